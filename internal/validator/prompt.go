package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

const systemPrompt = `You are a content validation expert. Analyze extracted web content and:
1. Clean the content to the main article only. Remove navigation, footers, related articles and sidebars.
2. Extract the actual publish time from the content text, not from the metadata.
3. Extract the author name(s) from the content. Return several authors as a comma-separated list.
4. Write a concise one or two sentence summary of the main topic.
5. Flag quality issues instead of rejecting. Always return is_valid=true.

Author bylines usually appear after "By", "Written by" or "Author:", or right before "Published:" or "Posted:".
Ignore navigation words such as "Contact", "About" or "Staff".

Allowed flags:
- "paywall_detected": subscribe, subscription, sign in, premium, member-only
- "short_content": cleaned_content under 300 words
- "anti_bot": bot detection message present
- "error_page": 403, 404 or other error content
- "metadata_date_mismatch": metadata publish date differs from the content
- "no_author": no author in the content or the metadata
- "navigation_heavy": excessive navigation or UI elements

Return JSON:
{
  "is_valid": true,
  "reason": "brief assessment of content quality",
  "flags": ["short_content"],
  "cleaned_metadata": {
    "title": "cleaned title",
    "author": "author or null",
    "publish_date": "publish date/time as written in the content",
    "meta_description": "one or two sentence summary"
  },
  "cleaned_content": "main article text only"
}`

func buildPrompt(raw pipeline.PageResult, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today's date is %s. Never reject, flag issues instead.\n\n", now.Format("2006-01-02"))
	fmt.Fprintf(&b, "URL: %s\n", orNA(raw.URL))
	fmt.Fprintf(&b, "Domain: %s\n\n", orNA(raw.Domain))
	b.WriteString("METADATA (may contain errors):\n")
	fmt.Fprintf(&b, "Title: %s\n", orNA(raw.Title))
	fmt.Fprintf(&b, "Author: %s\n", orNA(raw.Author))
	fmt.Fprintf(&b, "Publish Date: %s (may be wrong, prefer the date in the content)\n", orNA(raw.PublishDate))
	fmt.Fprintf(&b, "Meta Description: %s\n\n", orNA(raw.MetaDescription))
	b.WriteString("FULL CONTENT:\n")
	b.WriteString(raw.ContentText)
	fmt.Fprintf(&b, "\n\nWORD COUNT: %d\n", raw.WordCount)
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
