// Package fetcher defines the request and response shapes shared by the
// probe and headless page fetchers.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrDisallowed marks URLs the site's robots.txt forbids. Callers must not
// retry or route around it.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Request describes one page fetch.
type Request struct {
	URL     string
	Headers http.Header
	// Screenshot asks renderers that support it to capture a PNG.
	Screenshot bool
}

// Response is the raw outcome of a fetch.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	Screenshot   []byte
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}
