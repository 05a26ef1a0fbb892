package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTCodec issues HS256 JWTs.
type JWTCodec struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewJWTCodec returns a codec keyed by key (already derived, not the raw secret).
func NewJWTCodec(key []byte, issuer string, ttl time.Duration) *JWTCodec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &JWTCodec{key: k, issuer: strings.TrimSpace(issuer), ttl: ttl}
}

func (c *JWTCodec) Issue(userID string, now time.Time) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, ErrInvalidToken
	}
	now = now.UTC().Truncate(time.Second)
	exp := now.Add(c.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

func (c *JWTCodec) Validate(tok string, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		// The parser rejects at exp itself; expired below applies the exact bound.
		jwt.WithLeeway(time.Second),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(tok), &claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}
	exp := claims.ExpiresAt.Time.UTC()
	if expired(exp, now) {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{UserID: claims.Subject, ExpiresAt: exp}
	if claims.IssuedAt != nil {
		out.CreatedAt = claims.IssuedAt.Time.UTC()
	}
	return out, nil
}
