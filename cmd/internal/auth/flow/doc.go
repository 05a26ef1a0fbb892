// Package flow is the auth flow controller: invite redemption, magic-link sign-in requests
// and magic-link verification.
//
// A Controller is built once with its collaborators and holds no per-request state.
// Every correctness-critical race is settled inside the persistence gateway; the controller
// only sequences calls and classifies outcomes:
//
//	ErrInput       malformed request, reported to the client
//	ErrRejected    unknown, expired, exhausted or already-used code/link/token
//	ErrPersistence database failure, logged and reported generically
//	ErrTransport   mail delivery failure
package flow
