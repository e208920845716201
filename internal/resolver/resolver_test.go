package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/cache"
	"github.com/JakeFAU/newsfacts-pipeline/internal/clock/system"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

type fakeModel struct {
	content string
	tokens  int
	err     error
	prompt  pipeline.Prompt
}

func (f *fakeModel) Complete(_ context.Context, p pipeline.Prompt) (pipeline.Completion, error) {
	f.prompt = p
	if f.err != nil {
		return pipeline.Completion{}, f.err
	}
	return pipeline.Completion{Content: f.content, TotalTokens: f.tokens}, nil
}

type fakeRecognizer struct {
	mentions []Mention
	err      error
	calls    int
}

func (f *fakeRecognizer) Recognize(context.Context, string) ([]Mention, error) {
	f.calls++
	return f.mentions, f.err
}

type fakeKB struct {
	mu    sync.Mutex
	ids   map[string]string
	err   error
	calls map[string]int
}

func newFakeKB(ids map[string]string) *fakeKB {
	return &fakeKB{ids: ids, calls: map[string]int{}}
}

func (f *fakeKB) Search(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.err != nil {
		return "", f.err
	}
	return f.ids[name], nil
}

func page() pipeline.PageResult {
	return pipeline.PageResult{
		URL:    "https://example.com/story",
		Domain: "example.com",
		Metadata: pipeline.PageMetadata{
			SiteName:    "Example News",
			Publisher:   "https://facebook.com/examplenews",
			TwitterSite: "@examplenews",
			Locale:      "en_US",
		},
	}
}

func TestResolveWithModel(t *testing.T) {
	t.Parallel()

	model := &fakeModel{
		tokens: 321,
		content: `{"entities":[
			{"text":"Gavin Newsom","type":"PERSON","role":"Governor of California"},
			{"text":"gavin newsom","type":"PERSON","role":""},
			{"text":"California","type":"LOCATION","role":"State"},
			{"text":"Legislature","type":"ORGANIZATION","role":"lawmakers"},
			{"text":"Tuesday","type":"OTHER","role":""}
		]}`,
	}
	local := &fakeRecognizer{}
	kb := newFakeKB(map[string]string{"Gavin Newsom": "Q461391", "California": "Q99"})
	r := New(Config{}, model, Recognizers{"en": local}, NewLinker(kb, cache.NewLRU(10, 0), nil),
		system.NewFixed(time.Unix(0, 0)), zap.NewNop())

	res := r.Resolve(context.Background(), "Gavin Newsom signed the bill. Newsom said...", "en", page())

	require.Zero(t, local.calls)
	require.Equal(t, 321, res.TokenUsage)
	require.Empty(t, res.Notes)

	require.Len(t, res.Persons, 1)
	require.Equal(t, "Gavin Newsom", res.Persons[0].CanonicalName)
	require.Equal(t, "person_fd6f188c", res.Persons[0].CanonicalID)
	require.NotNil(t, res.Persons[0].ExternalKBID)
	require.Equal(t, "Q461391", *res.Persons[0].ExternalKBID)

	require.Len(t, res.Locations, 1)
	require.Equal(t, "Q99", *res.Locations[0].ExternalKBID)

	require.Len(t, res.Organizations, 1)
	require.Nil(t, res.Organizations[0].ExternalKBID)

	require.Equal(t, pipeline.MediaSource{
		CanonicalName: "Example News",
		Domain:        "example.com",
		Facebook:      "https://facebook.com/examplenews",
		Twitter:       "@examplenews",
		Locale:        "en_US",
	}, res.MediaSource)

	require.True(t, model.prompt.JSON)
	require.Contains(t, model.prompt.User, "article in en")
}

func TestResolveTruncatesContent(t *testing.T) {
	t.Parallel()

	model := &fakeModel{content: `{"entities":[]}`}
	r := New(Config{MaxChars: 20}, model, nil, nil, nil, nil)

	r.Resolve(context.Background(), strings.Repeat("a", 19)+"XYZ-TAIL", "en", page())

	require.Contains(t, model.prompt.User, strings.Repeat("a", 19)+"X")
	require.NotContains(t, model.prompt.User, "XYZ-TAIL")
}

func TestResolveFallsBackToLocalRecognizer(t *testing.T) {
	t.Parallel()

	model := &fakeModel{err: errors.New("rate limited")}
	local := &fakeRecognizer{mentions: []Mention{
		{Text: "Angela Merkel", Type: pipeline.EntityPerson},
		{Text: "Berlin", Type: pipeline.EntityLocation},
	}}
	r := New(Config{}, model, Recognizers{"de": local}, nil, nil, nil)

	res := r.Resolve(context.Background(), "text", "de-DE", page())

	require.Equal(t, 1, local.calls)
	require.Len(t, res.Persons, 1)
	require.Len(t, res.Locations, 1)
	require.Empty(t, res.Organizations)
	require.Contains(t, res.Notes, "rate limited")
	require.Nil(t, res.Persons[0].ExternalKBID)
}

func TestResolveUnknownLanguage(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil, DefaultRecognizers(), nil, nil, nil)

	res := r.Resolve(context.Background(), "Texte en breton.", "br", page())

	require.Empty(t, res.Persons)
	require.NotNil(t, res.Persons)
	require.Contains(t, res.Notes, `no local entity model for language "br"`)
	require.Equal(t, "Example News", res.MediaSource.CanonicalName)
}

func TestResolveModelGarbageFallsBack(t *testing.T) {
	t.Parallel()

	model := &fakeModel{content: "sorry", tokens: 12}
	local := &fakeRecognizer{mentions: []Mention{{Text: "Acme Corp", Type: pipeline.EntityOrg}}}
	r := New(Config{}, model, Recognizers{"en": local}, nil, nil, nil)

	res := r.Resolve(context.Background(), "text", "", page())

	require.Equal(t, 12, res.TokenUsage)
	require.Len(t, res.Organizations, 1)
	require.NotEmpty(t, res.Notes)
}

func TestDecodeEntitiesAcceptsBareArray(t *testing.T) {
	t.Parallel()

	got, err := decodeEntities("```json\n[{\"text\":\"Acme\",\"type\":\"ORGANIZATION\"}]\n```")
	require.NoError(t, err)
	require.Equal(t, []modelEntity{{Text: "Acme", Type: "ORGANIZATION"}}, got)
}

func TestTypeMappings(t *testing.T) {
	t.Parallel()

	for label, want := range map[string]pipeline.EntityType{
		"PERSON": pipeline.EntityPerson, "organization": pipeline.EntityOrg, "LOCATION": pipeline.EntityLocation,
	} {
		got, ok := modelType(label)
		require.True(t, ok, label)
		require.Equal(t, want, got)
	}
	_, ok := modelType("OTHER")
	require.False(t, ok)

	for label, want := range map[string]pipeline.EntityType{
		"PERSON": pipeline.EntityPerson, "ORG": pipeline.EntityOrg,
		"GPE": pipeline.EntityLocation, "LOC": pipeline.EntityLocation, "FAC": pipeline.EntityLocation,
	} {
		got, ok := localType(label)
		require.True(t, ok, label)
		require.Equal(t, want, got)
	}
	_, ok = localType("NORP")
	require.False(t, ok)
}

func TestRecognizersFor(t *testing.T) {
	t.Parallel()

	recs := DefaultRecognizers()
	_, ok := recs.For("EN")
	require.True(t, ok)
	_, ok = recs.For("en_GB")
	require.True(t, ok)
	_, ok = recs.For("fr")
	require.False(t, ok)
}

func TestProseRecognizerRuns(t *testing.T) {
	t.Parallel()

	mentions, err := NewProse(0).Recognize(context.Background(), "Gavin Newsom spoke in Sacramento on Tuesday.")
	require.NoError(t, err)
	for _, m := range mentions {
		require.NotEmpty(t, m.Text)
		require.Contains(t, []pipeline.EntityType{pipeline.EntityPerson, pipeline.EntityOrg, pipeline.EntityLocation}, m.Type)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewProse(0).Recognize(ctx, "text")
	require.ErrorIs(t, err, context.Canceled)
}
