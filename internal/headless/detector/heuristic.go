// Package detector decides when a probe fetch needs a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/newsfacts-pipeline/internal/fetcher"
)

// Heuristic promotes pages that look script-rendered or nearly empty.
type Heuristic struct {
	// BodyLengthThreshold is the size below which script-heavy pages are promoted.
	BodyLengthThreshold int
	// MinTextLength promotes pages whose visible text is shorter than this.
	MinTextLength int
}

// NewHeuristic creates a detector. Zero values select defaults.
func NewHeuristic(threshold, minText int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	if minText == 0 {
		minText = 200
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinTextLength: minText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("__nuxt"),
}

// ShouldPromote reports whether resp should be re-fetched with a browser.
// Non-200 responses are never promoted so block pages keep their status.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return visibleTextLength(body) < h.MinTextLength
}

// visibleTextLength approximates the characters outside tags, scripts and styles.
func visibleTextLength(body []byte) int {
	lower := strings.ToLower(string(body))
	for _, tag := range []string{"script", "style", "noscript"} {
		lower = stripElement(lower, tag)
	}
	count, inTag := 0, false
	for _, r := range lower {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag && r > ' ':
			count++
		}
	}
	return count
}

func stripElement(doc, tag string) string {
	openTag, closeTag := "<"+tag, "</"+tag+">"
	var out strings.Builder
	for {
		start := strings.Index(doc, openTag)
		if start == -1 {
			out.WriteString(doc)
			return out.String()
		}
		out.WriteString(doc[:start])
		end := strings.Index(doc[start:], closeTag)
		if end == -1 {
			return out.String()
		}
		doc = doc[start+end+len(closeTag):]
	}
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: the rest of the document counts as script.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
