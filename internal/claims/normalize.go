package claims

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/newsfacts-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// SchemaVersion is mixed into claim ids. Bumping it re-keys every claim.
const SchemaVersion = "1.0"

const defaultConfidence = 0.7

// ClaimID is stable for a given source URL, claim text and schema version.
func ClaimID(sourceURL, text string) string {
	return "clm_" + sha256.Digest(SchemaVersion, sourceURL, text)[:16]
}

type rawWhen struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	Precision       string `json:"precision"`
	EventTime       string `json:"event_time"`
	TemporalContext string `json:"temporal_context"`
}

type rawClaim struct {
	Text               string          `json:"text"`
	Who                []string        `json:"who"`
	Where              []string        `json:"where"`
	When               rawWhen         `json:"when"`
	Modality           string          `json:"modality"`
	EvidenceReferences []string        `json:"evidence_references"`
	Confidence         json.RawMessage `json:"confidence"`
}

func normalize(rc rawClaim, sourceURL string, reported time.Time) pipeline.Claim {
	text := strings.TrimSpace(rc.Text)
	return pipeline.Claim{
		ID:                 ClaimID(sourceURL, text),
		Text:               text,
		Who:                nonEmpty(rc.Who),
		Where:              nonEmpty(rc.Where),
		When:               normalizeWhen(rc.When, reported),
		Modality:           pipeline.Modality(strings.ToLower(strings.TrimSpace(rc.Modality))),
		EvidenceReferences: nonEmpty(rc.EvidenceReferences),
		Confidence:         normalizeConfidence(rc.Confidence),
	}
}

func normalizeWhen(w rawWhen, reported time.Time) pipeline.When {
	out := pipeline.When{
		Date:            strings.TrimSpace(w.Date),
		Time:            strings.TrimSpace(w.Time),
		Precision:       strings.TrimSpace(w.Precision),
		EventTime:       strings.TrimSpace(w.EventTime),
		TemporalContext: strings.TrimSpace(w.TemporalContext),
		ReportedTime:    reported.UTC().Format(time.RFC3339),
	}
	if out.Precision == "" {
		out.Precision = "approximate"
	}
	if out.Date != "" && out.Time != "" {
		out.EventTimeISO = out.Date + "T" + out.Time + "Z"
	}
	return out
}

// normalizeConfidence accepts a JSON number or numeric string. Anything else,
// including values outside [0, 1], becomes the default. The result is capped
// at 0.99 and rounded to three decimals.
func normalizeConfidence(raw json.RawMessage) float64 {
	c, ok := parseConfidence(raw)
	if !ok || c < 0 || c > 1 {
		c = defaultConfidence
	}
	c = math.Min(math.Max(c, 0), 0.99)
	return math.Round(c*1000) / 1000
}

func parseConfidence(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
