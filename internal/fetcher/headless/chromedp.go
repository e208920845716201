// Package headless renders article pages in headless Chrome and captures
// evidence screenshots.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/newsfacts-pipeline/internal/fetcher"
)

// DefaultConsentSelectors are clicked, first visible match only, to dismiss
// cookie banners before the DOM is captured.
var DefaultConsentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"button[id*='accept']",
	"button[class*='accept']",
	".cookie-accept",
	"[aria-label*='Accept']",
}

// DefaultContentSelectors locate the article body for focused screenshots.
var DefaultContentSelectors = []string{"article", "main", "[role='main']", ".article-body", ".story-body"}

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready for scripts to finish.
	SettleDelay time.Duration
	// ContentWait bounds the wait for MinWords words of body text.
	ContentWait time.Duration
	MinWords    int
	// ScreenshotQuality is the JPEG-style quality; 100 yields PNG.
	ScreenshotQuality int
	WindowWidth       int
	WindowHeight      int
	ConsentSelectors  []string
	ContentSelectors  []string
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxParallel < 0 {
		return c, fmt.Errorf("max parallel must be >= 0")
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.ContentWait <= 0 {
		c.ContentWait = 15 * time.Second
	}
	if c.MinWords <= 0 {
		c.MinWords = 100
	}
	if c.ScreenshotQuality <= 0 || c.ScreenshotQuality > 100 {
		c.ScreenshotQuality = 100
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		c.WindowWidth, c.WindowHeight = 1920, 1080
	}
	if c.ConsentSelectors == nil {
		c.ConsentSelectors = DefaultConsentSelectors
	}
	if c.ContentSelectors == nil {
		c.ContentSelectors = DefaultContentSelectors
	}
	return c, nil
}

// Fetcher implements fetcher.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by one shared browser
// allocator. Each fetch opens its own tab.
func NewChromedp(cfg Config) (*Fetcher, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{cfg: cfg, slots: slots, allocator: allocCtx, allocCancel: allocCancel}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the DOM after consent dismissal and
// the content wait, plus a screenshot when requested.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	if err := f.acquire(ctx); err != nil {
		return fetcher.Response{}, err
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	// Deadline from the caller and the navigation budget, whichever is sooner.
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	if err != nil {
		return fetcher.Response{}, err
	}
	status, headers, finalURL := doc.result(request.URL, page.location)

	return fetcher.Response{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
		Screenshot:   page.screenshot,
	}, nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

type renderedPage struct {
	html       string
	location   string
	screenshot []byte
}

func (f *Fetcher) render(ctx context.Context, request fetcher.Request) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		f.dismissConsent(),
		f.awaitContent(),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	if request.Screenshot {
		shot, err := f.capture(ctx)
		if err != nil {
			return renderedPage{}, err
		}
		page.screenshot = shot
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// dismissConsent clicks the first visible consent button. Failures are
// ignored; a banner left in place only costs screenshot fidelity.
func (f *Fetcher) dismissConsent() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(f.cfg.ConsentSelectors) == 0 {
			return nil
		}
		var clicked bool
		if err := chromedp.Evaluate(consentScript(f.cfg.ConsentSelectors), &clicked).Do(ctx); err != nil {
			return ctxErr(ctx)
		}
		if clicked {
			return chromedp.Sleep(time.Second).Do(ctx)
		}
		return nil
	})
}

// awaitContent polls until the body holds MinWords words or ContentWait
// elapses. A timeout is not an error.
func (f *Fetcher) awaitContent() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		expr := fmt.Sprintf(`(document.body && document.body.innerText || "").trim().split(/\s+/).length > %d`, f.cfg.MinWords)
		var ready bool
		err := chromedp.Poll(expr, &ready,
			chromedp.WithPollingInterval(250*time.Millisecond),
			chromedp.WithPollingTimeout(f.cfg.ContentWait),
		).Do(ctx)
		if err != nil {
			return ctxErr(ctx)
		}
		return nil
	})
}

// capture screenshots the first present content element, falling back to the
// full page.
func (f *Fetcher) capture(ctx context.Context) ([]byte, error) {
	var selector string
	if len(f.cfg.ContentSelectors) > 0 {
		if err := chromedp.Run(ctx, chromedp.Evaluate(firstPresentScript(f.cfg.ContentSelectors), &selector)); err != nil {
			selector = ""
		}
	}
	var shot []byte
	if selector != "" {
		err := chromedp.Run(ctx, chromedp.Screenshot(selector, &shot, chromedp.ByQuery, chromedp.NodeVisible))
		if err == nil && len(shot) > 0 {
			return shot, nil
		}
		if cerr := ctxErr(ctx); cerr != nil {
			return nil, fmt.Errorf("content screenshot: %w", cerr)
		}
	}
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&shot, f.cfg.ScreenshotQuality)); err != nil {
		return nil, fmt.Errorf("full screenshot: %w", err)
	}
	return shot, nil
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func consentScript(selectors []string) string {
	list, _ := json.Marshal(selectors)
	return fmt.Sprintf(`(() => {
	for (const sel of %s) {
		const el = document.querySelector(sel);
		if (el && el.offsetParent !== null) { el.click(); return true; }
	}
	return false;
})()`, list)
}

func firstPresentScript(selectors []string) string {
	list, _ := json.Marshal(selectors)
	return fmt.Sprintf(`(() => {
	for (const sel of %s) {
		const el = document.querySelector(sel);
		if (el && el.getBoundingClientRect().height > 0) { return sel; }
	}
	return "";
})()`, list)
}

// documentResponse records the main document's network response.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := make(http.Header, len(resp.Response.Headers))
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Redirect hops fire first; the last document response wins.
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.url = resp.Response.URL
}

// result falls back to the browser location, then the request URL, and to
// 200 when no document response was observed.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	switch {
	case location != "" && location != "about:blank":
		url = location
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func networkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
