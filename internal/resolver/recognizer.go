package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Recognizer is a local named-entity model for one language.
type Recognizer interface {
	Recognize(ctx context.Context, text string) ([]Mention, error)
}

// Recognizers maps ISO 639-1 language codes to local models.
type Recognizers map[string]Recognizer

// For returns the recognizer for lang, matching on the primary subtag.
func (r Recognizers) For(lang string) (Recognizer, bool) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if rec, ok := r[lang]; ok {
		return rec, true
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		rec, ok := r[lang[:i]]
		return rec, ok
	}
	return nil, false
}

// DefaultRecognizers registers the bundled English model.
func DefaultRecognizers() Recognizers {
	return Recognizers{"en": NewProse(0)}
}

// DefaultProseMaxChars bounds the text handed to the local model.
const DefaultProseMaxChars = 100_000

// Prose wraps the prose averaged-perceptron entity extractor.
type Prose struct {
	maxChars int
}

// NewProse builds an English recognizer. maxChars <= 0 uses DefaultProseMaxChars.
func NewProse(maxChars int) *Prose {
	if maxChars <= 0 {
		maxChars = DefaultProseMaxChars
	}
	return &Prose{maxChars: maxChars}
}

// Recognize implements Recognizer.
func (p *Prose) Recognize(ctx context.Context, text string) ([]Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck // context error is the cause
	}
	doc, err := prose.NewDocument(truncate(text, p.maxChars))
	if err != nil {
		return nil, fmt.Errorf("prose document: %w", err)
	}
	var out []Mention
	for _, ent := range doc.Entities() {
		t, ok := localType(ent.Label)
		if !ok {
			continue
		}
		out = append(out, Mention{Text: ent.Text, Type: t})
	}
	return out, nil
}

// localType maps statistical NER labels onto public entity types.
func localType(label string) (pipeline.EntityType, bool) {
	switch strings.ToUpper(label) {
	case "PERSON":
		return pipeline.EntityPerson, true
	case "ORG":
		return pipeline.EntityOrg, true
	case "GPE", "LOC", "FAC":
		return pipeline.EntityLocation, true
	default:
		return "", false
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
