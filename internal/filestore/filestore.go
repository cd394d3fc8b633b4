// Package filestore keeps attachment blobs on disk, addressed by their
// content hash. Metadata (name, mime type, owner) lives in the database;
// the blob store only ever sees opaque bytes.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

type FileStore interface {
	// Save stores the content under the given hash.
	// It is idempotent: if a blob with the same hash already exists, it returns nil.
	Save(r io.Reader, hash string) error

	// Get retrieves the blob for the given hash.
	Get(hash string) (io.ReadCloser, error)
}

// ContentHash returns the hex SHA-256 of the data, the address blobs are
// stored under.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
