package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/claims"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Validator cleans and flags raw page content.
type Validator interface {
	Validate(ctx context.Context, raw pipeline.PageResult) pipeline.ValidationResult
}

// Resolver extracts and canonicalizes entities.
type Resolver interface {
	Resolve(ctx context.Context, content, language string, page pipeline.PageResult) pipeline.EntityResolution
}

// ClaimExtractor extracts admitted and excluded claims.
type ClaimExtractor interface {
	Extract(ctx context.Context, content string, meta claims.Metadata, sourceURL, language string) pipeline.SemanticData
}

// Extraction loads the page and archives its evidence.
type Extraction struct {
	Loader   pipeline.PageLoader
	Evidence pipeline.EvidencePersister
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Handle maps the load status onto the terminal error taxonomy.
func (h *Extraction) Handle(ctx context.Context, task pipeline.Task) (pipeline.Patch, error) {
	res, err := h.Loader.Load(ctx, task.URL, h.Timeout)
	if err != nil {
		return pipeline.Patch{}, fmt.Errorf("load page: %w", err)
	}
	switch res.Status {
	case pipeline.LoadReadable:
	case pipeline.LoadCaptchaBlocked:
		return pipeline.Patch{}, &pipeline.BlockedByDefenses{Reason: reasonOr(res.ErrorMessage, "captcha or bot challenge detected")}
	case pipeline.LoadEmpty:
		return pipeline.Patch{}, &pipeline.LoadFailure{Reason: reasonOr(res.ErrorMessage, "no readable content")}
	default:
		return pipeline.Patch{}, &pipeline.LoadFailure{Reason: reasonOr(res.ErrorMessage, "page load failed")}
	}

	patch := pipeline.Patch{RawResult: &res}
	if res.CanonicalURL != "" {
		canonical := res.CanonicalURL
		patch.CanonicalURL = &canonical
	}
	if h.Evidence != nil {
		record, err := h.Evidence.Persist(ctx, pipeline.EvidenceInput{
			TaskID:     task.ID,
			URL:        task.URL,
			Result:     res,
			Screenshot: res.Screenshot,
		})
		if err != nil {
			nopIfNil(h.Logger).Warn("evidence persistence failed", zap.String("task_id", task.ID), zap.Error(err))
		} else {
			patch.Evidence = &record
		}
	}
	return patch, nil
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Cleaning runs the content validator over the raw result and, when an
// evidence persister is set, archives the cleaned body in place of the raw
// text.
type Cleaning struct {
	Validator Validator
	Evidence  pipeline.EvidencePersister
	Logger    *zap.Logger
}

// Handle never fails once the raw result is present.
func (h *Cleaning) Handle(ctx context.Context, task pipeline.Task) (pipeline.Patch, error) {
	if task.RawResult == nil {
		return pipeline.Patch{}, missingInput(pipeline.StageCleaning, "raw result")
	}
	res := h.Validator.Validate(ctx, *task.RawResult)
	patch := pipeline.Patch{CleanedResult: &res, Tokens: res.TokenUsage}
	if h.Evidence == nil || strings.TrimSpace(res.CleanedContent) == "" {
		return patch, nil
	}

	raw := *task.RawResult
	raw.Screenshot = nil
	record, err := h.Evidence.Persist(ctx, pipeline.EvidenceInput{
		TaskID:         task.ID,
		URL:            task.URL,
		Result:         raw,
		CleanedContent: res.CleanedContent,
		Prior:          task.Evidence,
	})
	if err != nil {
		nopIfNil(h.Logger).Warn("cleaned evidence persistence failed", zap.String("task_id", task.ID), zap.Error(err))
		return patch, nil
	}
	patch.Evidence = &record
	return patch, nil
}

// Resolution runs the entity resolver over the cleaned content.
type Resolution struct {
	Resolver Resolver
}

// Handle resolves entities in the page language.
func (h *Resolution) Handle(ctx context.Context, task pipeline.Task) (pipeline.Patch, error) {
	if task.RawResult == nil {
		return pipeline.Patch{}, missingInput(pipeline.StageResolution, "raw result")
	}
	res := h.Resolver.Resolve(ctx, content(task), task.RawResult.Metadata.Language, *task.RawResult)
	return pipeline.Patch{ResolvedEntities: &res, Tokens: res.TokenUsage}, nil
}

// Semantization runs the claim extractor.
type Semantization struct {
	Extractor ClaimExtractor
}

// Handle extracts claims keyed by the submitted URL.
func (h *Semantization) Handle(ctx context.Context, task pipeline.Task) (pipeline.Patch, error) {
	if task.RawResult == nil {
		return pipeline.Patch{}, missingInput(pipeline.StageSemantization, "raw result")
	}
	raw := task.RawResult
	meta := claims.Metadata{
		Title:       raw.Title,
		Author:      raw.Author,
		PublishDate: raw.PublishDate,
		Site:        raw.Metadata.SiteName,
	}
	if c := task.CleanedResult; c != nil {
		meta.Title = reasonOr(c.CleanedMetadata.Title, meta.Title)
		meta.Author = reasonOr(c.CleanedMetadata.Author, meta.Author)
		meta.PublishDate = reasonOr(c.CleanedMetadata.PublishDate, meta.PublishDate)
	}
	if meta.Site == "" {
		meta.Site = raw.Domain
	}
	res := h.Extractor.Extract(ctx, content(task), meta, task.URL, raw.Metadata.Language)
	return pipeline.Patch{SemanticData: &res, Tokens: res.TokenUsage}, nil
}

// content prefers the validator output and falls back to the raw text.
func content(task pipeline.Task) string {
	if task.CleanedResult != nil && strings.TrimSpace(task.CleanedResult.CleanedContent) != "" {
		return task.CleanedResult.CleanedContent
	}
	if task.RawResult != nil {
		return task.RawResult.ContentText
	}
	return ""
}

// missingInput fails tasks whose stored record lost a predecessor output.
func missingInput(stage pipeline.Stage, what string) error {
	return &pipeline.LoadFailure{Reason: fmt.Sprintf("%s: %s missing from task", stage, what)}
}

func reasonOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
