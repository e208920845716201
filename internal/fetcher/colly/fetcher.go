// Package collyfetcher implements the probe fetch using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/newsfacts-pipeline/internal/fetcher"
)

// defaultHeaders make the probe look like a browser navigation; several news
// sites serve a stub page to bare HTTP clients.
var defaultHeaders = http.Header{
	"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	"Accept-Language": {"en-US,en;q=0.9"},
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the response body in bytes. Zero keeps the colly default.
	MaxBodySize int
}

// Fetcher implements fetcher.Fetcher using the Colly collector.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher. The transport is shared by every fetch.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	// Error pages still reach OnResponse so block pages can be classified.
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Fetcher{cfg: cfg, base: c}
}

// visit collects the outcome of one collector run.
type visit struct {
	request fetcher.Request
	start   time.Time
	resp    fetcher.Response
	err     error
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range defaultHeaders {
		if r.Headers.Get(key) == "" {
			(*r.Headers)[key] = append([]string(nil), values...)
		}
	}
	for key, values := range v.request.Headers {
		r.Headers.Del(key)
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.resp = fetcher.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

func (v *visit) onError(_ *colly.Response, err error) {
	v.err = err
}

// Fetch executes a single HTTP GET. Redirects are followed and the final URL
// is reported.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	v := &visit{request: request, start: time.Now()}
	collector := f.base.Clone()
	collector.OnRequest(v.onRequest)
	collector.OnResponse(v.onResponse)
	collector.OnError(v.onError)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return fetcher.Response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return fetcher.Response{}, fmt.Errorf("%w: %s", fetcher.ErrDisallowed, request.URL)
		}
		if err != nil {
			return fetcher.Response{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if v.err != nil {
			return fetcher.Response{}, fmt.Errorf("colly response failed: %w", v.err)
		}
		return v.resp, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
