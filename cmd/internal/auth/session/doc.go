// Package session implements Stay Hi session tokens.
//
// Session tokens are not persisted. A token carries the user id, its creation time and its
// expiry, and is authenticated with a key derived from STAYHI_SESSION_SECRET. Validity is
// computed from the signature and the embedded expiry alone.
//
// Two wire formats exist behind the same Codec contract:
//   - "hmac" (default): hex(JSON payload) "." hex(HMAC-SHA256(payload)), the format the web
//     app already understands;
//   - "jwt": a compact HS256 JWT with sub/iat/exp/iss claims.
//
// Any validation failure collapses into ErrInvalidToken.
package session
