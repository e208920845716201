package claims

import (
	"fmt"
	"strings"
)

const minBlockChars = 20

// prepareContent prefixes the metadata header to the first maxBlocks
// paragraphs, dropping fragments too short to carry a claim.
func prepareContent(content string, meta Metadata, maxBlocks int) string {
	paragraphs := nonEmpty(strings.Split(content, "\n"))
	if maxBlocks > 0 && len(paragraphs) > maxBlocks {
		paragraphs = paragraphs[:maxBlocks]
	}
	blocks := paragraphs[:0]
	for _, p := range paragraphs {
		if len(p) > minBlockChars {
			blocks = append(blocks, p)
		}
	}
	if len(blocks) == 0 {
		return ""
	}

	var b strings.Builder
	if meta.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", meta.Title)
	}
	if meta.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", meta.Author)
	}
	if meta.PublishDate != "" {
		fmt.Fprintf(&b, "Published: %s\n", meta.PublishDate)
	}
	if meta.Site != "" {
		fmt.Fprintf(&b, "Source: %s\n", meta.Site)
	}
	b.WriteString("---\n")
	b.WriteString(strings.Join(blocks, "\n"))
	return b.String()
}

func systemPrompt(language string) string {
	return fmt.Sprintf(`You are a fact extractor for structured journalism. Extract atomic, verifiable claims that meet minimum journalistic standards.

Language: %s
Return entity types in English (PERSON, ORG, GPE, LOCATION) but keep names as written.

Only include a claim when it meets all of these criteria:
1. Attribution: a clearly named source (person or organization), no vague "they said"
2. Temporal context: an identifiable event time, not just the reporting date
3. Modality: official fact, reported information, allegation or opinion
4. Evidence: mentions a quote, document, photo, statement or other artifact
5. Hedging: reject "reportedly", "allegedly", "might have" unless properly attributed
6. Controversy: criminal or fault implications need an official or court-confirmed source

Extract up to 10 claims per article.

For each claim:
- WHO: named people or organizations with PERSON: or ORG: prefix (required)
- WHERE: places with GPE: or LOCATION: prefix
- WHEN: event time with precision (exact, approximate or relative)
- MODALITY: official_fact, reported_claim, allegation or opinion
- EVIDENCE: artifacts referenced (document, video, photo, statement, testimony)
- CONFIDENCE: 0.0 to 1.0 based on evidence strength`, language)
}

func userPrompt(body string, meta Metadata) string {
	return fmt.Sprintf(`Extract atomic claims from this content:

METADATA:
Title: %s
Site: %s
Published: %s

CONTENT:
%s

Return JSON:
{
  "claims": [
    {
      "text": "Atomic factual claim (one predicate only)",
      "who": ["PERSON:Name", "ORG:Organization"],
      "where": ["GPE:Location", "LOCATION:Place"],
      "when": {
        "date": "YYYY-MM-DD",
        "time": "HH:MM:SS",
        "precision": "exact|approximate|relative",
        "event_time": "when it happened",
        "temporal_context": "timing description"
      },
      "modality": "official_fact|reported_claim|allegation|opinion",
      "evidence_references": ["statement", "document", "photo"],
      "confidence": 0.85
    }
  ],
  "gist": "One sentence summary",
  "overall_confidence": 0.8,
  "notes_unsupported": ["Weak statements not meeting the standards"]
}

Use notes_unsupported for interesting but weak statements.`,
		orUnknown(meta.Title), orUnknown(meta.Site), orUnknown(meta.PublishDate), body)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}
