package claims

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/clock/system"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

const sourceURL = "https://example.com/story"

var extractedAt = time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC)

type fakeModel struct {
	content string
	tokens  int
	err     error
	prompt  pipeline.Prompt
	calls   int
}

func (f *fakeModel) Complete(_ context.Context, p pipeline.Prompt) (pipeline.Completion, error) {
	f.calls++
	f.prompt = p
	if f.err != nil {
		return pipeline.Completion{}, f.err
	}
	return pipeline.Completion{Content: f.content, TotalTokens: f.tokens}, nil
}

func newExtractor(model pipeline.LanguageModel) *Extractor {
	return New(Config{}, model, nil, system.NewFixed(extractedAt), zap.NewNop())
}

const article = "Jane Doe attended the council event on Sunday evening.\nShe spoke about the new budget for the city."

func claimJSON(text string, who, where []string, confidence any) map[string]any {
	return map[string]any{
		"text":  text,
		"who":   who,
		"where": where,
		"when": map[string]any{
			"date":      "2025-10-19",
			"time":      "18:30:00",
			"precision": "",
		},
		"modality":            "reported_claim",
		"evidence_references": []string{"statement"},
		"confidence":          confidence,
	}
}

func modelAnswer(t *testing.T, claims ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"claims":             claims,
		"gist":               "Jane Doe attended a council event.",
		"overall_confidence": 0.8,
		"notes_unsupported":  []string{"A neighbour said it was crowded"},
	})
	require.NoError(t, err)
	return string(data)
}

func TestExtractAdmitsAndExcludes(t *testing.T) {
	t.Parallel()

	model := &fakeModel{tokens: 1500, content: modelAnswer(t,
		claimJSON("Jane Doe attended the event", []string{"PERSON:Jane Doe", "ORG:City Council"}, []string{"GPE:Springfield"}, 0.9),
		claimJSON("Jane Doe reportedly attended the event", []string{"PERSON:John Roe"}, []string{"LOCATION:Shelbyville"}, 0.9),
	)}
	e := newExtractor(model)

	res := e.Extract(context.Background(), article, Metadata{Title: "Council event", Site: "Example"}, sourceURL, "en")

	require.Len(t, res.Claims, 1)
	admitted := res.Claims[0]
	require.Equal(t, "clm_692ab643348020ac", admitted.ID)
	require.Empty(t, admitted.ExcludedReason)
	require.Equal(t, pipeline.When{
		Date:         "2025-10-19",
		Time:         "18:30:00",
		Precision:    "approximate",
		ReportedTime: "2025-10-20T09:30:00Z",
		EventTimeISO: "2025-10-19T18:30:00Z",
	}, admitted.When)

	require.Len(t, res.ExcludedClaims, 1)
	excluded := res.ExcludedClaims[0]
	require.Equal(t, "clm_1aab42c47378ba44", excluded.ID)
	require.Equal(t, "Hedging: Vague language without proper attribution (reportedly)", excluded.ExcludedReason)
	require.Equal(t, []string{"PERSON:John Roe"}, excluded.Who)

	// Entities come from admitted claims only.
	require.Equal(t, pipeline.ClaimEntities{
		People:         []string{"Jane Doe"},
		Organizations:  []string{"City Council"},
		Locations:      []string{"Springfield"},
		TimeReferences: []string{"2025-10-19"},
	}, res.Entities)

	require.Equal(t, "Jane Doe attended a council event.", res.Gist)
	require.InDelta(t, 0.8, res.Confidence, 1e-9)
	require.Equal(t, []string{"A neighbour said it was crowded"}, res.NotesUnsupported)
	require.Equal(t, 1500, res.TokenUsage)
	require.Equal(t, sourceURL, res.SourceURL)
	require.Equal(t, extractedAt, res.ExtractedAt)

	require.True(t, model.prompt.JSON)
	require.Equal(t, DefaultMaxTokens, model.prompt.MaxTokens)
	require.Contains(t, model.prompt.System, "Language: en")
	require.Contains(t, model.prompt.User, "Title: Council event")
	require.Contains(t, model.prompt.User, "Jane Doe attended the council event")
}

func TestExtractIDsAreStable(t *testing.T) {
	t.Parallel()

	content := modelAnswer(t, claimJSON("Jane Doe attended the event", []string{"PERSON:Jane Doe"}, nil, 0.9))
	first := newExtractor(&fakeModel{content: content}).Extract(context.Background(), article, Metadata{}, sourceURL, "en")
	second := New(Config{}, &fakeModel{content: content}, nil, system.NewFixed(extractedAt.Add(time.Hour)), nil).
		Extract(context.Background(), article, Metadata{}, sourceURL, "en")

	require.Equal(t, first.Claims[0].ID, second.Claims[0].ID)
	require.Equal(t, ClaimID(sourceURL, "Jane Doe attended the event"), first.Claims[0].ID)
	require.NotEqual(t, ClaimID("https://other.example/story", "Jane Doe attended the event"), first.Claims[0].ID)
}

func TestExtractLimitsCandidates(t *testing.T) {
	t.Parallel()

	var claims []map[string]any
	for i := 0; i < 14; i++ {
		claims = append(claims, claimJSON("Jane Doe attended event "+strings.Repeat("x", i+1), []string{"PERSON:Jane Doe"}, nil, 0.9))
	}
	res := newExtractor(&fakeModel{content: modelAnswer(t, claims...)}).
		Extract(context.Background(), article, Metadata{}, sourceURL, "en")

	require.Len(t, res.Claims, DefaultMaxClaims)
	require.Empty(t, res.ExcludedClaims)
}

func TestExtractConfidenceNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want float64
	}{
		{in: 0.87654, want: 0.877},
		{in: 1.0, want: 0.99},
		{in: "0.8", want: 0.8},
		{in: "high", want: 0.7},
		{in: nil, want: 0.7},
		{in: 1.7, want: 0.7},
		{in: -0.2, want: 0.7},
	}
	for _, tt := range tests {
		raw, err := json.Marshal(tt.in)
		require.NoError(t, err)
		require.InDelta(t, tt.want, normalizeConfidence(raw), 1e-9, "input %v", tt.in)
	}
	require.InDelta(t, 0.7, normalizeConfidence(nil), 1e-9)
}

func TestExtractSoftFailures(t *testing.T) {
	t.Parallel()

	t.Run("model error", func(t *testing.T) {
		t.Parallel()
		res := newExtractor(&fakeModel{err: errors.New("upstream 503")}).
			Extract(context.Background(), article, Metadata{}, sourceURL, "en")
		require.Empty(t, res.Claims)
		require.NotNil(t, res.Claims)
		require.Empty(t, res.ExcludedClaims)
		require.Equal(t, []string{"Claim extraction failed: upstream 503"}, res.NotesUnsupported)
		require.NotNil(t, res.Entities.People)
	})

	t.Run("unparseable answer", func(t *testing.T) {
		t.Parallel()
		res := newExtractor(&fakeModel{content: "no json here", tokens: 77}).
			Extract(context.Background(), article, Metadata{}, sourceURL, "en")
		require.Empty(t, res.Claims)
		require.Equal(t, 77, res.TokenUsage)
		require.Len(t, res.NotesUnsupported, 1)
		require.True(t, strings.HasPrefix(res.NotesUnsupported[0], "Claim extraction failed: "))
	})

	t.Run("no content", func(t *testing.T) {
		t.Parallel()
		model := &fakeModel{}
		res := newExtractor(model).Extract(context.Background(), "short\n\n", Metadata{}, sourceURL, "en")
		require.Zero(t, model.calls)
		require.Equal(t, []string{"No page content provided"}, res.NotesUnsupported)
	})
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	got := Aggregate([]pipeline.Claim{
		{
			Who:   []string{"PERSON:Jane Doe", "ORG:Acme", "Some Group"},
			Where: []string{"GPE:Paris", "LOC:Seine", "Lyon"},
			When:  pipeline.When{Date: "2025-10-19"},
		},
		{
			Who:   []string{"person: Jane Doe", "ORG:Acme"},
			Where: []string{"LOCATION:Paris", "PLACE: Marseille"},
			When: pipeline.When{
				Date:            "2025-10-19",
				EventTime:       "evening",
				TemporalContext: "during the budget session",
			},
		},
		{
			When: pipeline.When{EventTime: "evening"},
		},
	})

	require.Equal(t, []string{"Jane Doe"}, got.People)
	require.Equal(t, []string{"Acme"}, got.Organizations)
	require.Equal(t, []string{"Paris", "Seine", "Lyon", "Marseille"}, got.Locations)
	require.Equal(t, []string{"2025-10-19", "evening", "during the budget session"}, got.TimeReferences)
}
