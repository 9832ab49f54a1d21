// Package auth implements the TUIC shared-token authentication model of
// spec.md §6: a BLAKE3-256 digest of the configured token string, compared
// in constant time against whatever digest a client presents in its
// Authenticate command.
package auth

import (
	"crypto/subtle"

	"lukechampine.com/blake3"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

// Digest computes the 32-byte BLAKE3 digest of a token's raw UTF-8 bytes,
// with no length prefix, as required by spec.md §6.
func Digest(token string) [tuicproto.TokenSize]byte {
	return blake3.Sum256([]byte(token))
}

// Verifier holds one precomputed token digest and answers whether a
// presented digest matches it. The plaintext token is discarded at load
// time (spec.md §3 "Configuration snapshot"); only the digest is kept.
type Verifier struct {
	want [tuicproto.TokenSize]byte
}

// NewVerifier digests token once and returns a Verifier that can check
// presented digests without ever holding the plaintext again.
func NewVerifier(token string) *Verifier {
	return &Verifier{want: Digest(token)}
}

// Check reports whether presented matches the configured token's digest.
// The comparison runs in constant time so a timing side channel cannot be
// used to recover the digest one byte at a time.
func (v *Verifier) Check(presented [tuicproto.TokenSize]byte) bool {
	return subtle.ConstantTimeCompare(v.want[:], presented[:]) == 1
}
