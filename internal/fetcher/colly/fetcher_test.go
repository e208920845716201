package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfacts-pipeline/internal/fetcher"
)

func TestNewConfiguresCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "newsfacts-test"})
	require.Equal(t, "newsfacts-test", f.base.UserAgent)
	require.True(t, f.base.IgnoreRobotsTxt)
	require.True(t, f.base.ParseHTTPErrorResponse)
	require.Equal(t, 15*time.Second, f.cfg.Timeout)
}

func TestVisitHooks(t *testing.T) {
	t.Parallel()

	v := &visit{request: fetcher.Request{Headers: http.Header{"Accept-Language": {"es"}, "X-Trace": {"yes"}}}, start: time.Now()}

	collyReq := &colly.Request{Headers: &http.Header{}}
	v.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, "es", collyReq.Headers.Get("Accept-Language"), "request headers override defaults")
	require.Contains(t, collyReq.Headers.Get("Accept"), "text/html")

	v.onResponse(&colly.Response{
		StatusCode: http.StatusForbidden,
		Body:       []byte("verify you are human"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/a")},
	})
	require.Equal(t, http.StatusForbidden, v.resp.StatusCode)
	require.Equal(t, "verify you are human", string(v.resp.Body))
	require.Equal(t, "ok", v.resp.Headers.Get("X-Resp"))
	require.False(t, v.resp.UsedHeadless)

	v.onError(nil, errors.New("boom"))
	require.EqualError(t, v.err, "boom")
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/story", http.StatusMovedPermanently)
			return
		case "/blocked":
			w.WriteHeader(http.StatusForbidden)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>" + r.URL.Path + "</p></body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/story"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "/story")

	moved, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/story", moved.URL)

	blocked, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/blocked"})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, blocked.StatusCode)
}

func TestFetchHonorsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/private/story"})
	require.ErrorIs(t, err, fetcher.ErrDisallowed)

	_, err = f.Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/public"})
	require.NoError(t, err)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
