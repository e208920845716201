package claims

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Default lexicons of the gatekeeper.
var (
	DefaultHedgeTerms    = []string{"reportedly", "allegedly", "might have", "may have", "rumored", "unconfirmed"}
	DefaultCriminalTerms = []string{"murdered", "killed", "assassinated", "raped", "trafficked", "kidnapped"}
)

// DefaultMinConfidence is the admission floor.
const DefaultMinConfidence = 0.65

// Check is one admission rule. It returns a non-empty reason to exclude.
type Check struct {
	Name string
	Test func(p *Policy, c pipeline.Claim) string
}

// Policy is the evidentiary gatekeeper: an ordered table of checks plus the
// lexicons they consult. The first failing check wins.
type Policy struct {
	HedgeTerms    []string
	CriminalTerms []string
	MinConfidence float64
	Checks        []Check

	hedges   []*regexp.Regexp
	criminal []*regexp.Regexp
}

// DefaultChecks returns the standard rule table in evaluation order.
func DefaultChecks() []Check {
	return []Check{
		{Name: "attribution", Test: checkAttribution},
		{Name: "temporal", Test: checkTemporal},
		{Name: "modality", Test: checkModality},
		{Name: "evidence", Test: checkEvidence},
		{Name: "hedging", Test: checkHedging},
		{Name: "controversy", Test: checkControversy},
		{Name: "confidence", Test: checkConfidence},
	}
}

// NewPolicy builds a Policy. Empty lexicons and a zero floor use the defaults.
func NewPolicy(hedges, criminal []string, minConfidence float64) *Policy {
	if len(hedges) == 0 {
		hedges = DefaultHedgeTerms
	}
	if len(criminal) == 0 {
		criminal = DefaultCriminalTerms
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Policy{
		HedgeTerms:    hedges,
		CriminalTerms: criminal,
		MinConfidence: minConfidence,
		Checks:        DefaultChecks(),
		hedges:        compileTerms(hedges),
		criminal:      compileTerms(criminal),
	}
}

// DefaultPolicy is NewPolicy with every default.
func DefaultPolicy() *Policy {
	return NewPolicy(nil, nil, 0)
}

// Admit runs the checks in order and returns the name and reason of the
// first failure. ok is true when every check passes.
func (p *Policy) Admit(c pipeline.Claim) (check, reason string, ok bool) {
	for _, chk := range p.Checks {
		if r := chk.Test(p, c); r != "" {
			return chk.Name, r, false
		}
	}
	return "", "", true
}

func compileTerms(terms []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(term)+`\b`))
	}
	return out
}

func firstMatch(res []*regexp.Regexp, text string) string {
	for _, re := range res {
		if m := re.FindString(text); m != "" {
			return strings.ToLower(m)
		}
	}
	return ""
}

func checkAttribution(_ *Policy, c pipeline.Claim) string {
	for _, w := range c.Who {
		upper := strings.ToUpper(strings.TrimSpace(w))
		if strings.HasPrefix(upper, "PERSON:") || strings.HasPrefix(upper, "ORG:") {
			return ""
		}
	}
	return "Attribution: No named source (WHO)"
}

func checkTemporal(_ *Policy, c pipeline.Claim) string {
	if strings.TrimSpace(c.When.Date) == "" {
		return "Temporal: Missing event time (WHEN)"
	}
	return ""
}

func checkModality(_ *Policy, c pipeline.Claim) string {
	if !c.Modality.Valid() {
		return "Modality: Not specified or invalid"
	}
	return ""
}

func checkEvidence(_ *Policy, c pipeline.Claim) string {
	for _, e := range c.EvidenceReferences {
		if strings.TrimSpace(e) != "" {
			return ""
		}
	}
	return "Evidence: No artifacts referenced"
}

func checkHedging(p *Policy, c pipeline.Claim) string {
	if word := firstMatch(p.hedges, c.Text); word != "" {
		return fmt.Sprintf("Hedging: Vague language without proper attribution (%s)", word)
	}
	return ""
}

func checkControversy(p *Policy, c pipeline.Claim) string {
	if c.Modality != pipeline.ModalityOfficialFact && firstMatch(p.criminal, c.Text) != "" {
		return "Controversy: Criminal implication requires official_fact modality"
	}
	return ""
}

func checkConfidence(p *Policy, c pipeline.Claim) string {
	if c.Confidence < p.MinConfidence {
		return fmt.Sprintf("Confidence: Below threshold (%.2f < %.2f)", c.Confidence, p.MinConfidence)
	}
	return ""
}
