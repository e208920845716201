// Package loader renders a URL and turns it into a pipeline.PageResult.
//
// A cheap colly probe runs first. Pages the detector flags as script
// rendered, or every page when AlwaysRender is set, are re-fetched through
// headless Chrome, which also captures the evidence screenshot.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/fetcher"
	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/retry"
	"github.com/JakeFAU/newsfacts-pipeline/internal/urlutil"
)

// Detector decides whether a probe response needs a headless render.
type Detector interface {
	ShouldPromote(resp fetcher.Response) bool
}

// Throttle delays loads to respect per-domain politeness.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes promotion and screenshot capture.
type Config struct {
	AlwaysRender bool
	Screenshot   bool
	// DefaultTimeout applies when Load is called with a zero timeout.
	DefaultTimeout time.Duration
	// Throttle is consulted before every fetch when set.
	Throttle Throttle
}

// Loader implements pipeline.PageLoader.
type Loader struct {
	cfg      Config
	probe    fetcher.Fetcher
	headless fetcher.Fetcher
	detector Detector
	policy   retry.Policy
	clock    pipeline.Clock
	logger   *zap.Logger
}

// New builds a Loader. headless and detector may be nil to disable promotion.
func New(
	cfg Config,
	probe fetcher.Fetcher,
	headless fetcher.Fetcher,
	detector Detector,
	policy retry.Policy,
	clock pipeline.Clock,
	logger *zap.Logger,
) (*Loader, error) {
	if probe == nil && headless == nil {
		return nil, fmt.Errorf("at least one fetcher is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:      cfg,
		probe:    probe,
		headless: headless,
		detector: detector,
		policy:   policy,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Load fetches and extracts rawURL. Retrieval problems are reported through
// the result status; the error is non-nil only when ctx itself ends.
func (l *Loader) Load(ctx context.Context, rawURL string, timeout time.Duration) (pipeline.PageResult, error) {
	start := l.clock.Now()
	if timeout <= 0 {
		timeout = l.cfg.DefaultTimeout
	}
	result := pipeline.PageResult{URL: rawURL, Domain: urlutil.Domain(rawURL)}
	finish := func(status pipeline.LoadStatus, msg string) pipeline.PageResult {
		result.Status = status
		result.IsReadable = status == pipeline.LoadReadable
		result.ErrorMessage = msg
		result.ExtractedAt = l.clock.Now()
		result.ProcessingTimeMs = result.ExtractedAt.Sub(start).Milliseconds()
		metrics.ObservePageLoad(rawURL, string(status), result.UsedHeadless)
		return result
	}

	if _, err := urlutil.Parse(rawURL); err != nil {
		return finish(pipeline.LoadError, err.Error()), nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if l.cfg.Throttle != nil {
		if err := l.cfg.Throttle.Wait(loadCtx, rawURL); err != nil {
			if ctx.Err() != nil {
				return pipeline.PageResult{}, fmt.Errorf("load %s: %w", rawURL, ctx.Err())
			}
			return finish(pipeline.LoadError, err.Error()), nil
		}
	}

	resp, err := l.fetch(loadCtx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.PageResult{}, fmt.Errorf("load %s: %w", rawURL, ctx.Err())
		}
		l.logger.Warn("page fetch failed", zap.String("url", rawURL), zap.Error(err))
		return finish(pipeline.LoadError, err.Error()), nil
	}
	result.UsedHeadless = resp.UsedHeadless
	result.Screenshot = resp.Screenshot

	finalURL := resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	page, err := extract(finalURL, resp.Body)
	if err != nil {
		return finish(pipeline.LoadError, fmt.Sprintf("content extraction failed: %v", err)), nil
	}
	result.CanonicalURL = page.canonicalURL
	if d := urlutil.Domain(page.canonicalURL); d != "" {
		result.Domain = d
	}
	result.Metadata = page.metadata

	status, reason := classify(page.text, resp.Body)
	if status != pipeline.LoadReadable {
		return finish(status, reason), nil
	}
	result.Title = page.title
	result.ContentText = page.text
	result.ArticleHTML = page.articleHTML
	result.MetaDescription = page.description
	result.Author = page.author
	result.PublishDate = page.publishDate
	result.WordCount = wordCount(page.text)
	return finish(pipeline.LoadReadable, ""), nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) (fetcher.Response, error) {
	if l.probe == nil {
		return l.render(ctx, rawURL)
	}
	rendered := false
	if l.cfg.AlwaysRender && l.headless != nil {
		resp, err := l.render(ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		rendered = true
		l.logger.Warn("headless render failed, using probe", zap.String("url", rawURL), zap.Error(err))
	}

	req := fetcher.Request{URL: rawURL}
	resp, err := retry.Value(ctx, l.probePolicy(), func(ctx context.Context) (fetcher.Response, error) {
		return l.probe.Fetch(ctx, req)
	})
	if err != nil {
		if l.headless == nil || rendered || ctx.Err() != nil || errors.Is(err, fetcher.ErrDisallowed) {
			return fetcher.Response{}, fmt.Errorf("probe fetch: %w", err)
		}
		// Some sites refuse plain HTTP clients but serve browsers.
		page, renderErr := l.render(ctx, rawURL)
		if renderErr != nil {
			return fetcher.Response{}, errors.Join(fmt.Errorf("probe fetch: %w", err), renderErr)
		}
		return page, nil
	}
	if rendered || l.headless == nil || l.detector == nil || !l.detector.ShouldPromote(resp) {
		return resp, nil
	}
	page, err := l.render(ctx, rawURL)
	if err != nil {
		l.logger.Warn("headless promotion failed, using probe", zap.String("url", rawURL), zap.Error(err))
		return resp, nil
	}
	return page, nil
}

// probePolicy never retries a robots.txt refusal.
func (l *Loader) probePolicy() retry.Policy {
	p := l.policy
	retryable := p.Retryable
	if retryable == nil {
		retryable = retry.DefaultRetryable
	}
	p.Retryable = func(err error) bool {
		return !errors.Is(err, fetcher.ErrDisallowed) && retryable(err)
	}
	return p
}

func (l *Loader) render(ctx context.Context, rawURL string) (fetcher.Response, error) {
	resp, err := l.headless.Fetch(ctx, fetcher.Request{URL: rawURL, Screenshot: l.cfg.Screenshot})
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("headless render: %w", err)
	}
	return resp, nil
}
