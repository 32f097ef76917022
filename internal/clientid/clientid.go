// Package clientid generates the 20-byte peer identifier this client
// advertises to trackers and peers.
package clientid

import (
	"crypto/rand"
	"crypto/sha1"
)

// prefix is the Azureus-style client tag embedded in every generated
// peer ID: two letters identifying the client plus a 4-digit version
// stand-in, bracketed by hyphens.
const prefix = "-GB0100-"

// Generate returns a fresh random peer ID with the client's Azureus-style
// prefix followed by random bytes.
func Generate() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}
