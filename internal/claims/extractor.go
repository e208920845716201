// Package claims extracts atomic, attributable claims from cleaned article
// text and admits them through an evidentiary gatekeeper.
package claims

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/llm"
	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Defaults for Config.
const (
	DefaultMaxClaims = 10
	DefaultMaxBlocks = 20
	DefaultMaxTokens = 2000
)

// Metadata is the article context handed to the model.
type Metadata struct {
	Title       string
	Author      string
	PublishDate string
	Site        string
}

// Config tunes the extractor. Zero values use the defaults.
type Config struct {
	MaxClaims   int
	MaxBlocks   int
	MaxTokens   int
	Temperature float32
}

// Extractor turns content into admitted and excluded claims.
type Extractor struct {
	cfg    Config
	model  pipeline.LanguageModel
	policy *Policy
	clock  pipeline.Clock
	logger *zap.Logger
}

// New builds an Extractor. A nil policy uses DefaultPolicy.
func New(cfg Config, model pipeline.LanguageModel, policy *Policy, clock pipeline.Clock, logger *zap.Logger) *Extractor {
	if cfg.MaxClaims <= 0 {
		cfg.MaxClaims = DefaultMaxClaims
	}
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, model: model, policy: policy, clock: clock, logger: logger.Named("claims")}
}

type answer struct {
	Claims            []rawClaim `json:"claims"`
	Gist              string     `json:"gist"`
	OverallConfidence *float64   `json:"overall_confidence"`
	NotesUnsupported  []string   `json:"notes_unsupported"`
}

// Extract never fails: a model error yields an empty result with a note.
func (e *Extractor) Extract(ctx context.Context, content string, meta Metadata, sourceURL, language string) pipeline.SemanticData {
	now := e.now()
	body := prepareContent(content, meta, e.cfg.MaxBlocks)
	if body == "" {
		return empty(sourceURL, now, "No page content provided", 0)
	}
	if language == "" {
		language = "en"
	}

	completion, err := e.model.Complete(ctx, pipeline.Prompt{
		System:      systemPrompt(language),
		User:        userPrompt(body, meta),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		e.logger.Warn("claim extraction failed", zap.String("url", sourceURL), zap.Error(err))
		return empty(sourceURL, now, fmt.Sprintf("Claim extraction failed: %v", err), 0)
	}
	var ans answer
	if err := llm.DecodeJSON(completion.Content, &ans); err != nil {
		e.logger.Warn("claim extraction unparseable", zap.String("url", sourceURL), zap.Error(err))
		return empty(sourceURL, now, fmt.Sprintf("Claim extraction failed: %v", err), completion.TotalTokens)
	}

	out := pipeline.SemanticData{
		Claims:           []pipeline.Claim{},
		ExcludedClaims:   []pipeline.Claim{},
		Gist:             strings.TrimSpace(ans.Gist),
		Confidence:       0.5,
		NotesUnsupported: nonEmpty(ans.NotesUnsupported),
		TokenUsage:       completion.TotalTokens,
		SourceURL:        sourceURL,
		ExtractedAt:      now,
	}
	if out.Gist == "" {
		out.Gist = "No summary available"
	}
	if ans.OverallConfidence != nil {
		out.Confidence = *ans.OverallConfidence
	}

	candidates := ans.Claims
	if len(candidates) > e.cfg.MaxClaims {
		candidates = candidates[:e.cfg.MaxClaims]
	}
	for _, rc := range candidates {
		c := normalize(rc, sourceURL, now)
		if c.Text == "" {
			continue
		}
		check, reason, ok := e.policy.Admit(c)
		metrics.ObserveClaim(ok, check)
		if ok {
			out.Claims = append(out.Claims, c)
			continue
		}
		c.ExcludedReason = reason
		out.ExcludedClaims = append(out.ExcludedClaims, c)
	}
	out.Entities = Aggregate(out.Claims)

	e.logger.Info("claims extracted",
		zap.String("url", sourceURL),
		zap.Int("admitted", len(out.Claims)),
		zap.Int("excluded", len(out.ExcludedClaims)),
	)
	return out
}

func empty(sourceURL string, now time.Time, note string, tokens int) pipeline.SemanticData {
	return pipeline.SemanticData{
		Claims:         []pipeline.Claim{},
		ExcludedClaims: []pipeline.Claim{},
		Entities: pipeline.ClaimEntities{
			People:         []string{},
			Organizations:  []string{},
			Locations:      []string{},
			TimeReferences: []string{},
		},
		Gist:             "No content extracted",
		NotesUnsupported: []string{note},
		TokenUsage:       tokens,
		SourceURL:        sourceURL,
		ExtractedAt:      now,
	}
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}
