// Package blobs provides content-addressed storage for ledger entry
// payloads. A blob's ID is the hex sha256 digest of its bytes, so a fetched
// blob can always be verified against the ID it was requested by.
package blobs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get when the digest is unknown.
var ErrNotFound = errors.New("blob not found")

// Store is a content-addressed blob store.
type Store interface {
	// Put stores the blob and returns its digest.
	Put(data []byte) (string, error)

	// Get returns the blob for the given digest, or ErrNotFound.
	Get(digest string) ([]byte, error)

	// Has reports whether the digest is stored locally.
	Has(digest string) (bool, error)

	Close() error
}

// Digest computes the content address of a blob.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
