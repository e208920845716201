package loader

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/urlutil"
)

// minReadableChars is the text length above which a page counts as readable.
const minReadableChars = 100

var captchaIndicators = []string{
	"verification required",
	"verify you are human",
	"checking your browser",
	"enable javascript",
	"access denied",
	"unusual activity",
}

var noisePatterns = []string{
	"cookie", "privacy policy", "terms of service", "newsletter", "follow us",
	"share", "tweet", "facebook", "linkedin", "advertisement", "sponsored",
}

const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, td"

var spaceRun = regexp.MustCompile(`[ \t\f\v]+`)

// extraction is what the loader reads out of one HTML document.
type extraction struct {
	title        string
	text         string
	articleHTML  string
	description  string
	author       string
	publishDate  string
	canonicalURL string
	metadata     pipeline.PageMetadata
}

func extract(pageURL string, body []byte) (extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return extraction{}, err //nolint:wrapcheck // caller adds context
	}
	base, _ := url.Parse(pageURL) //nolint:errcheck // pageURL was validated by the loader

	out := extraction{
		title:        firstNonEmpty(titleCandidates(doc)...),
		description:  firstNonEmpty(metaContent(doc, `meta[name="description"]`), metaContent(doc, `meta[property="og:description"]`)),
		publishDate:  publishDate(doc),
		canonicalURL: canonicalURL(doc, base, pageURL),
		metadata: pipeline.PageMetadata{
			SiteName:    metaContent(doc, `meta[property="og:site_name"]`),
			Locale:      metaContent(doc, `meta[property="og:locale"]`),
			Publisher:   metaContent(doc, `meta[property="article:publisher"]`),
			TwitterSite: metaContent(doc, `meta[name="twitter:site"]`),
			Language:    strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		},
	}
	visible := doc.Selection.Clone()
	visible.Find("script, style, noscript, template").Remove()

	byline := ""
	if article, err := readability.FromReader(bytes.NewReader(body), base); err == nil {
		out.articleHTML = article.Content
		out.text = blockText(article.Content)
		byline = strings.TrimSpace(article.Byline)
		if out.title == "" {
			out.title = strings.TrimSpace(article.Title)
		}
		if out.description == "" {
			out.description = strings.TrimSpace(article.Excerpt)
		}
		if out.metadata.SiteName == "" {
			out.metadata.SiteName = strings.TrimSpace(article.SiteName)
		}
	}
	if out.text == "" {
		out.text = cleanLines(visible.Find("body").Text())
	}
	out.author = firstNonEmpty(authorCandidates(doc, byline)...)
	return out, nil
}

// classify assigns the load status from extracted text and the raw HTML.
// CAPTCHA indicators are consulted only when there is no real content.
func classify(text string, html []byte) (pipeline.LoadStatus, string) {
	if len(strings.TrimSpace(text)) > minReadableChars {
		return pipeline.LoadReadable, ""
	}
	lowerText := strings.ToLower(text)
	lowerHTML := strings.ToLower(string(html))
	for _, indicator := range captchaIndicators {
		if strings.Contains(lowerText, indicator) || strings.Contains(lowerHTML, indicator) {
			return pipeline.LoadCaptchaBlocked, "CAPTCHA or bot detection (" + indicator + ")"
		}
	}
	return pipeline.LoadEmpty, "No text content found"
}

func titleCandidates(doc *goquery.Document) []string {
	return []string{
		longerThan(strings.TrimSpace(doc.Find("h1").First().Text()), 5),
		longerThan(strings.TrimSpace(doc.Find("title").First().Text()), 5),
		longerThan(metaContent(doc, `meta[property="og:title"]`), 5),
		longerThan(metaContent(doc, `meta[name="twitter:title"]`), 5),
	}
}

func authorCandidates(doc *goquery.Document, byline string) []string {
	candidates := []string{
		metaContent(doc, `meta[name="author"]`),
		metaContent(doc, `meta[property="article:author"]`),
		byline,
	}
	for _, sel := range []string{`[rel="author"]`, ".author", ".byline", `[class*="author"]`, `[class*="byline"]`} {
		candidates = append(candidates, longerThan(collapse(doc.Find(sel).First().Text()), 2))
	}
	return candidates
}

func publishDate(doc *goquery.Document) string {
	if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok && len(strings.TrimSpace(dt)) > 5 {
		return strings.TrimSpace(dt)
	}
	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="pubdate"]`,
		`meta[itemprop="datePublished"]`,
	} {
		if v := metaContent(doc, sel); len(v) > 5 {
			return v
		}
	}
	return longerThan(collapse(doc.Find(".publish-date").First().Text()), 5)
}

// canonicalURL prefers link[rel=canonical], then og:url, then the final URL
// with tracking parameters stripped.
func canonicalURL(doc *goquery.Document, base *url.URL, pageURL string) string {
	for _, raw := range []string{
		strings.TrimSpace(doc.Find(`link[rel="canonical"]`).First().AttrOr("href", "")),
		metaContent(doc, `meta[property="og:url"]`),
	} {
		if raw == "" {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme == "http" || ref.Scheme == "https" {
			return ref.String()
		}
	}
	return urlutil.StripTracking(pageURL)
}

func blockText(articleHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(articleHTML))
	if err != nil {
		return ""
	}
	var blocks []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are emitted by their innermost element.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return cleanLines(doc.Text())
	}
	return strings.Join(blocks, "\n\n")
}

// cleanLines drops very short lines and short lines that are page chrome.
func cleanLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = collapse(line)
		if len(line) < 10 {
			continue
		}
		if len(line) < 100 && isNoise(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n\n")
}

func isNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range noisePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func metaContent(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " "))
}

func longerThan(s string, n int) string {
	if len(s) > n {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
