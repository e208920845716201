package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if stageMessagesTotal == nil || tasksTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveStage(t *testing.T) {
	ObserveStage("cleaning", "advanced", 150*time.Millisecond)
	ObserveStage("cleaning", "advanced", 0)

	if val := testutil.ToFloat64(stageMessagesTotal.WithLabelValues("cleaning", "advanced")); val != 2 {
		t.Errorf("expected 2 cleaning messages, got %f", val)
	}
}

func TestObserveSubmissionAndCache(t *testing.T) {
	ObserveSubmission(true)
	ObserveCacheLookup("lru", false)
	AddTokens("resolution", 0)
	AddTokens("resolution", 42)

	if val := testutil.ToFloat64(submissionsTotal.WithLabelValues("reused")); val != 1 {
		t.Errorf("expected 1 reused submission, got %f", val)
	}
	if val := testutil.ToFloat64(kbCacheLookupsTotal.WithLabelValues("lru", "miss")); val != 1 {
		t.Errorf("expected 1 cache miss, got %f", val)
	}
	if val := testutil.ToFloat64(llmTokensTotal.WithLabelValues("resolution")); val != 42 {
		t.Errorf("expected 42 tokens, got %f", val)
	}
}

func TestObserveClaim(t *testing.T) {
	ObserveClaim(true, "hedging")
	ObserveClaim(false, "hedging")
	ObserveClaim(false, "hedging")

	if val := testutil.ToFloat64(claimsTotal.WithLabelValues("admitted", "")); val != 1 {
		t.Errorf("expected 1 admitted claim, got %f", val)
	}
	if val := testutil.ToFloat64(claimsTotal.WithLabelValues("excluded", "hedging")); val != 2 {
		t.Errorf("expected 2 hedging exclusions, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
