// Package authapi exposes the auth flow over HTTP:
//
//	POST /api/auth/invite          redeem an invite code, returns a session token
//	POST /api/auth/email           email a magic link to an active member
//	GET  /api/auth/verify/{token}  consume a magic link, redirect with ?session= or ?error=
//	GET  /api/auth/session         introspect a bearer session token
//
// Both POST routes share a per-IP sliding-window limit (STAYHI_RATE_LIMIT per
// STAYHI_RATE_LIMIT_WINDOW) and answer 429 with Retry-After when it is exceeded.
package authapi
