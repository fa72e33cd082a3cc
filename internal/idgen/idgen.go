// Package idgen generates the random identifiers used across the API.
//
// Entity IDs are a short type prefix plus 24 hex chars, e.g. acc_..., bk_...,
// pp_..., so an ID is self-describing in logs and support tickets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns 2*numBytes random hex chars.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform's entropy source is gone;
		// nothing sensible to do but stop.
		panic("idgen: " + err.Error())
	}
	return hex.EncodeToString(b)
}
