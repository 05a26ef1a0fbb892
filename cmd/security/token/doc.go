// Package token provides the keyed hashing and random token primitives used by Stay Hi.
//
// One operator-supplied secret is expanded with HKDF into independent subkeys, one per purpose
// (session signing, magic link hashing), so a leak of one derived key does not expose the others.
//
// Magic link tokens are never stored in plain form: the store keeps HMAC-SHA256(token, linkKey)
// as a 64-char hex string and lookups hash the presented token first.
package token
