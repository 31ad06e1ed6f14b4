// Package util holds the shared id generator. Server-assigned ids use a
// type prefix ("ann", "hub") so log lines stay greppable.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex id, prefixed when a prefix is given.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
