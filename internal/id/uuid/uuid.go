// Package uuid issues task ids and derives stable artifact ids from URLs.
package uuid

import (
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator issues UUIDv7 task ids, which sort by creation time.
type Generator struct {
	entropy io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{}
}

// NewWithEntropy returns a Generator that draws random bits from r.
func NewWithEntropy(r io.Reader) *Generator {
	return &Generator{entropy: r}
}

// NewID implements pipeline.IDGenerator.
func (g *Generator) NewID() (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.entropy != nil {
		id, err = uuid.NewV7FromReader(g.entropy)
	} else {
		id, err = uuid.NewV7()
	}
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return id.String(), nil
}

// FromURL is the UUIDv5 of rawURL in the URL namespace.
func FromURL(rawURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL)).String()
}
