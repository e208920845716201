// Package sha256 computes the content digests behind evidence metadata and
// claim ids.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// FieldSeparator joins the parts of a composite digest.
const FieldSeparator = "|"

// Hasher implements pipeline.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Digest returns the hex digest of parts joined by FieldSeparator. No
// separator is written before the first part.
func Digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = io.WriteString(h, FieldSeparator)
		}
		_, _ = io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
