package flow

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/metrics"
	"stayhi/cmd/internal/notify"
	"stayhi/cmd/internal/sl"

	"github.com/go-playground/validator/v10"
)

// Defaults.
const (
	DefaultMagicLinkTTL   = 15 * time.Minute
	DefaultLinkTokenBytes = 32
	DefaultTxTimeout      = 10 * time.Second
	DefaultPublicBaseURL  = "http://localhost:8082"

	// VerifyPathPrefix is where emailed links point.
	VerifyPathPrefix = "/api/auth/verify/"

	minLinkTokenBytes = 32
	maxLinkTokenLen   = 512
)

// LinkHasher turns an emailed token into its storage form.
type LinkHasher interface {
	Hash(tok string) string
}

type Config struct {
	MagicLinkTTL   time.Duration
	LinkTokenBytes int
	// TxTimeout bounds each transaction independently of the client connection.
	TxTimeout     time.Duration
	PublicBaseURL string
}

func (c Config) withDefaults() Config {
	if c.MagicLinkTTL <= 0 {
		c.MagicLinkTTL = DefaultMagicLinkTTL
	}
	if c.LinkTokenBytes < minLinkTokenBytes {
		c.LinkTokenBytes = DefaultLinkTokenBytes
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = DefaultPublicBaseURL
	}
	return c
}

// RequestMeta describes the caller, for logs.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type Controller struct {
	store   identity.Store
	codec   session.Codec
	sender  notify.Sender
	links   LinkHasher
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	valid   *validator.Validate
}

// Option configures optional Controller dependencies.
type Option func(*Controller)

func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides time.Now; tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Controller.
func New(store identity.Store, codec session.Codec, sender notify.Sender, links LinkHasher, cfg Config, opts ...Option) (*Controller, error) {
	if store == nil || codec == nil || sender == nil || links == nil {
		return nil, errors.New("flow: store, codec, sender and link hasher are required")
	}
	u, err := url.Parse(cfg.withDefaults().PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("flow: public base url must be an absolute http(s) url")
	}

	c := &Controller{
		store:  store,
		codec:  codec,
		sender: sender,
		links:  links,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		now:    time.Now,
		valid:  validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	c.log = c.log.With(sl.Module("auth.flow"))
	return c, nil
}

// txContext keeps a transaction running after the client goes away, bounded by TxTimeout.
func (c *Controller) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TxTimeout)
}

func (c *Controller) clock() time.Time {
	return c.now().UTC()
}

func (c *Controller) validEmail(email string) bool {
	return c.valid.Var(email, "required,email,max=254") == nil
}

// verifyLink builds the emailed URL for tok.
func (c *Controller) verifyLink(tok string) string {
	return c.cfg.PublicBaseURL + VerifyPathPrefix + url.PathEscape(tok)
}

func (c *Controller) observe(flow string, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrInput):
		outcome = metrics.OutcomeInput
	case errors.Is(err, ErrRejected):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	c.metrics.FlowOutcome(flow, outcome)
}
