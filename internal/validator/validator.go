// Package validator cleans raw page text with a generative model and then
// re-derives the quality flags deterministically.
package validator

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/llm"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// DefaultPaywallTerms are matched case-insensitively against raw and cleaned text.
var DefaultPaywallTerms = []string{
	"subscribe",
	"subscription",
	"sign in to read",
	"sign in to continue",
	"become a member",
	"premium content",
	"member-only",
	"subscribers only",
	"unlock this article",
	"create a free account",
	"register to read",
	"see subscription options",
	"enjoy unlimited access",
	"subscriber exclusive",
}

// Policy holds the thresholds and lexicon of the verification pass.
type Policy struct {
	MinRawChars       int
	ShortContentWords int
	EmptyContentWords int
	PaywallTerms      []string
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinRawChars:       50,
		ShortContentWords: 300,
		EmptyContentWords: 50,
		PaywallTerms:      append([]string(nil), DefaultPaywallTerms...),
	}
}

// Validator annotates extracted content. It never rejects.
type Validator struct {
	model     pipeline.LanguageModel
	policy    Policy
	clock     pipeline.Clock
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

// New builds a Validator. Zero policy fields fall back to DefaultPolicy.
func New(model pipeline.LanguageModel, policy Policy, clock pipeline.Clock, logger *zap.Logger) *Validator {
	def := DefaultPolicy()
	if policy.MinRawChars <= 0 {
		policy.MinRawChars = def.MinRawChars
	}
	if policy.ShortContentWords <= 0 {
		policy.ShortContentWords = def.ShortContentWords
	}
	if policy.EmptyContentWords <= 0 {
		policy.EmptyContentWords = def.EmptyContentWords
	}
	if len(policy.PaywallTerms) == 0 {
		policy.PaywallTerms = def.PaywallTerms
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		model:     model,
		policy:    policy,
		clock:     clock,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.Named("validator"),
	}
}

type answer struct {
	IsValid         *bool    `json:"is_valid"`
	Reason          string   `json:"reason"`
	Flags           []string `json:"flags"`
	CleanedMetadata struct {
		Title           string `json:"title"`
		Author          string `json:"author"`
		PublishDate     string `json:"publish_date"`
		MetaDescription string `json:"meta_description"`
	} `json:"cleaned_metadata"`
	CleanedContent string `json:"cleaned_content"`
}

// Validate cleans raw and returns the annotated result. IsValid is always true.
// Text under MinRawChars characters or EmptyContentWords words skips the model.
func (v *Validator) Validate(ctx context.Context, raw pipeline.PageResult) pipeline.ValidationResult {
	text := strings.TrimSpace(raw.ContentText)
	if len(text) < v.policy.MinRawChars || len(strings.Fields(text)) < v.policy.EmptyContentWords {
		return pipeline.ValidationResult{
			IsValid: true,
			Reason:  "Content too short or empty",
			Flags:   []pipeline.Flag{pipeline.FlagShortContent, pipeline.FlagEmptyContent},
		}
	}

	completion, err := v.model.Complete(ctx, pipeline.Prompt{
		System:      systemPrompt,
		User:        buildPrompt(raw, v.now()),
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return v.softFailure(raw, 0, err)
	}
	var ans answer
	if err := llm.DecodeJSON(completion.Content, &ans); err != nil {
		return v.softFailure(raw, completion.TotalTokens, err)
	}

	cleaned := v.clean(ans.CleanedContent)
	meta := pipeline.CleanedMetadata{
		Title:       v.clean(ans.CleanedMetadata.Title),
		Author:      v.clean(ans.CleanedMetadata.Author),
		PublishDate: v.clean(ans.CleanedMetadata.PublishDate),
		Summary:     v.clean(ans.CleanedMetadata.MetaDescription),
	}
	if isMissing(meta.Author) {
		meta.Author = ""
	}

	flags := make([]pipeline.Flag, 0, len(ans.Flags)+4)
	for _, f := range ans.Flags {
		flags = append(flags, pipeline.Flag(strings.ToLower(strings.TrimSpace(f))))
	}
	flags, meta.Author = v.verify(flags, cleaned, raw.ContentText, meta.Author)

	if ans.IsValid != nil && !*ans.IsValid {
		v.logger.Debug("model proposed rejection, keeping content", zap.String("url", raw.URL))
	}
	return pipeline.ValidationResult{
		IsValid:         true,
		Reason:          v.clean(ans.Reason),
		Flags:           flags,
		CleanedMetadata: meta,
		CleanedContent:  cleaned,
		TokenUsage:      completion.TotalTokens,
	}
}

// verify recomputes the deterministic flags and returns them with the author,
// which may have been recovered from the raw text.
func (v *Validator) verify(flags []pipeline.Flag, cleaned, original, author string) ([]pipeline.Flag, string) {
	words := len(strings.Fields(cleaned))
	if words < v.policy.ShortContentWords {
		flags = append(flags, pipeline.FlagShortContent)
	}
	if containsAny(strings.ToLower(original+" "+cleaned), v.policy.PaywallTerms) {
		flags = append(flags, pipeline.FlagPaywallDetected)
	}
	if author == "" {
		if found := FallbackAuthor(original); found != "" {
			author = found
		} else {
			flags = append(flags, pipeline.FlagNoAuthor)
		}
	}
	if words < v.policy.EmptyContentWords {
		flags = append(flags, pipeline.FlagEmptyContent)
	}
	return pipeline.NormalizeFlags(flags), author
}

func (v *Validator) softFailure(raw pipeline.PageResult, tokens int, err error) pipeline.ValidationResult {
	v.logger.Warn("validation skipped", zap.String("url", raw.URL), zap.Error(err))
	return pipeline.ValidationResult{
		IsValid:    true,
		Reason:     fmt.Sprintf("Validation skipped due to error: %v", err),
		Flags:      []pipeline.Flag{pipeline.FlagValidationError},
		TokenUsage: tokens,
	}
}

// clean strips markup from model output and restores the entities the
// sanitizer escaped.
func (v *Validator) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(v.sanitizer.Sanitize(s)))
}

func (v *Validator) now() time.Time {
	if v.clock == nil {
		return time.Now().UTC()
	}
	return v.clock.Now()
}

func isMissing(author string) bool {
	switch strings.ToLower(strings.TrimSpace(author)) {
	case "", "n/a", "null", "none", "unknown":
		return true
	default:
		return false
	}
}

func containsAny(haystack string, terms []string) bool {
	for _, term := range terms {
		if term != "" && strings.Contains(haystack, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
