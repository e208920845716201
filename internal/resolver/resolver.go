// Package resolver turns article text into deduplicated, identity-stable
// entities linked to an external knowledge base.
package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Config tunes the resolver. Zero values use the defaults.
type Config struct {
	MaxChars    int
	Threshold   float64
	LinkWorkers int
}

// Resolver runs extraction, deduplication, linking and media-source
// standardization.
type Resolver struct {
	cfg         Config
	model       pipeline.LanguageModel
	recognizers Recognizers
	linker      *Linker
	clock       pipeline.Clock
	logger      *zap.Logger
}

// New builds a Resolver. model and linker may be nil: extraction then uses
// only the local recognizers and entities stay unlinked.
func New(cfg Config, model pipeline.LanguageModel, recognizers Recognizers, linker *Linker, clock pipeline.Clock, logger *zap.Logger) *Resolver {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.LinkWorkers <= 0 {
		cfg.LinkWorkers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:         cfg,
		model:       model,
		recognizers: recognizers,
		linker:      linker,
		clock:       clock,
		logger:      logger.Named("resolver"),
	}
}

// Resolve extracts the entities of content. Failures degrade into notes and
// null ids; Resolve itself never fails.
func (r *Resolver) Resolve(ctx context.Context, content, language string, page pipeline.PageResult) pipeline.EntityResolution {
	start := r.now()
	if language == "" {
		language = "en"
	}

	mentions, tokens, note := r.extract(ctx, content, language)
	entities := Deduplicate(mentions, r.cfg.Threshold)
	r.link(ctx, entities, language)

	out := pipeline.EntityResolution{
		Persons:       []pipeline.ResolvedEntity{},
		Organizations: []pipeline.ResolvedEntity{},
		Locations:     []pipeline.ResolvedEntity{},
		MediaSource:   MediaSourceFor(page.Domain, page.Metadata),
		TokenUsage:    tokens,
		Notes:         note,
	}
	for _, e := range entities {
		switch e.EntityType {
		case pipeline.EntityPerson:
			out.Persons = append(out.Persons, e)
		case pipeline.EntityOrg:
			out.Organizations = append(out.Organizations, e)
		case pipeline.EntityLocation:
			out.Locations = append(out.Locations, e)
		}
	}
	out.ProcessingTimeMs = r.now().Sub(start).Milliseconds()
	r.logger.Info("entities resolved",
		zap.String("url", page.URL),
		zap.Int("persons", len(out.Persons)),
		zap.Int("organizations", len(out.Organizations)),
		zap.Int("locations", len(out.Locations)),
	)
	return out
}

// extract prefers the language model and falls back to the local recognizer.
func (r *Resolver) extract(ctx context.Context, content, language string) ([]Mention, int, string) {
	var tokens int
	var modelErr error
	if r.model != nil {
		mentions, used, err := extractWithModel(ctx, r.model, content, language, r.cfg.MaxChars)
		tokens = used
		if err == nil {
			return mentions, tokens, ""
		}
		modelErr = err
		r.logger.Warn("model entity extraction failed, using local recognizer", zap.Error(err))
	}

	rec, ok := r.recognizers.For(language)
	if !ok {
		return nil, tokens, joinNotes(modelErr, fmt.Sprintf("no local entity model for language %q", language))
	}
	mentions, err := rec.Recognize(ctx, content)
	if err != nil {
		r.logger.Warn("local entity extraction failed", zap.String("language", language), zap.Error(err))
		return nil, tokens, joinNotes(modelErr, fmt.Sprintf("local entity extraction failed: %v", err))
	}
	return mentions, tokens, joinNotes(modelErr, "")
}

func joinNotes(modelErr error, local string) string {
	var note string
	if modelErr != nil {
		note = fmt.Sprintf("model entity extraction failed: %v", modelErr)
	}
	switch {
	case note == "":
		return local
	case local == "":
		return note
	default:
		return note + "; " + local
	}
}

// link fills ExternalKBID concurrently. A failed lookup leaves the id nil.
func (r *Resolver) link(ctx context.Context, entities []pipeline.ResolvedEntity, language string) {
	if r.linker == nil || len(entities) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LinkWorkers)
	for i := range entities {
		g.Go(func() error {
			entities[i].ExternalKBID = r.linker.Link(gctx, entities[i].CanonicalName, entities[i].EntityType, language)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never fail
}

func (r *Resolver) now() time.Time {
	if r.clock == nil {
		return time.Now()
	}
	return r.clock.Now()
}
