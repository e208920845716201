package claims

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

func baseClaim() pipeline.Claim {
	return pipeline.Claim{
		Text:               "Jane Doe attended the event",
		Who:                []string{"PERSON:Jane Doe"},
		When:               pipeline.When{Date: "2025-10-19"},
		Modality:           pipeline.ModalityReportedClaim,
		EvidenceReferences: []string{"statement"},
		Confidence:         0.9,
	}
}

func TestPolicyAdmitsCompleteClaim(t *testing.T) {
	t.Parallel()

	check, reason, ok := DefaultPolicy().Admit(baseClaim())
	require.True(t, ok)
	require.Empty(t, check)
	require.Empty(t, reason)
}

func TestPolicyExclusions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*pipeline.Claim)
		check  string
		reason string
	}{
		{
			name:   "no typed who",
			mutate: func(c *pipeline.Claim) { c.Who = []string{"Jane Doe", "officials"} },
			check:  "attribution",
			reason: "Attribution: No named source (WHO)",
		},
		{
			name:   "location prefix is not attribution",
			mutate: func(c *pipeline.Claim) { c.Who = []string{"GPE:Paris"} },
			check:  "attribution",
			reason: "Attribution: No named source (WHO)",
		},
		{
			name:   "missing date",
			mutate: func(c *pipeline.Claim) { c.When.Date = "" },
			check:  "temporal",
			reason: "Temporal: Missing event time (WHEN)",
		},
		{
			name:   "unknown modality",
			mutate: func(c *pipeline.Claim) { c.Modality = "rumor" },
			check:  "modality",
			reason: "Modality: Not specified or invalid",
		},
		{
			name:   "no evidence",
			mutate: func(c *pipeline.Claim) { c.EvidenceReferences = nil },
			check:  "evidence",
			reason: "Evidence: No artifacts referenced",
		},
		{
			name:   "hedge word",
			mutate: func(c *pipeline.Claim) { c.Text = "Jane Doe reportedly attended the event" },
			check:  "hedging",
			reason: "Hedging: Vague language without proper attribution (reportedly)",
		},
		{
			name:   "hedge phrase",
			mutate: func(c *pipeline.Claim) { c.Text = "Jane Doe may have attended the event" },
			check:  "hedging",
			reason: "Hedging: Vague language without proper attribution (may have)",
		},
		{
			name: "criminal term without official source",
			mutate: func(c *pipeline.Claim) {
				c.Text = "Jane Doe was kidnapped after the event"
				c.Modality = pipeline.ModalityAllegation
			},
			check:  "controversy",
			reason: "Controversy: Criminal implication requires official_fact modality",
		},
		{
			name:   "low confidence",
			mutate: func(c *pipeline.Claim) { c.Confidence = 0.6 },
			check:  "confidence",
			reason: "Confidence: Below threshold (0.60 < 0.65)",
		},
		{
			name: "first failing check wins",
			mutate: func(c *pipeline.Claim) {
				c.Who = nil
				c.Confidence = 0.1
			},
			check:  "attribution",
			reason: "Attribution: No named source (WHO)",
		},
	}

	policy := DefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := baseClaim()
			tt.mutate(&c)
			check, reason, ok := policy.Admit(c)
			require.False(t, ok)
			require.Equal(t, tt.check, check)
			require.Equal(t, tt.reason, reason)
		})
	}
}

func TestPolicyCriminalTermWithOfficialFact(t *testing.T) {
	t.Parallel()

	c := baseClaim()
	c.Text = "Police said two people were killed in the crash"
	c.Modality = pipeline.ModalityOfficialFact
	_, _, ok := DefaultPolicy().Admit(c)
	require.True(t, ok)
}

func TestPolicyMatchesWholeWords(t *testing.T) {
	t.Parallel()

	c := baseClaim()
	c.Text = "Jane Doe hired skilled workers for the event"
	_, _, ok := DefaultPolicy().Admit(c)
	require.True(t, ok)
}

func TestPolicyCustomLexicons(t *testing.T) {
	t.Parallel()

	policy := NewPolicy([]string{"supuestamente"}, []string{"secuestrado"}, 0.8)

	c := baseClaim()
	c.Text = "Jane Doe supuestamente asistió"
	_, reason, ok := policy.Admit(c)
	require.False(t, ok)
	require.Contains(t, reason, "(supuestamente)")

	c = baseClaim()
	c.Text = "Jane Doe reportedly attended"
	_, _, ok = policy.Admit(c)
	require.True(t, ok)

	c.Confidence = 0.75
	_, reason, ok = policy.Admit(c)
	require.False(t, ok)
	require.Equal(t, "Confidence: Below threshold (0.75 < 0.80)", reason)
}
