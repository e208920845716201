// Package evidence archives page artifacts for forensic retrieval.
//
// Objects are laid out as domains/{domain}/{artifact_id}/ with a screenshot,
// a JSON and a Markdown rendering of the content, and a metadata document.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"go.uber.org/zap"

	iduuid "github.com/JakeFAU/newsfacts-pipeline/internal/id/uuid"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/urlutil"
)

// Artifact keys in EvidenceRecord.Paths.
const (
	PathBase       = "base_path"
	PathScreenshot = "screenshot_path"
	PathContent    = "content_json_path"
	PathMarkdown   = "content_md_path"
	PathMetadata   = "metadata_path"
)

// Persister implements pipeline.EvidencePersister on a BlobStore.
type Persister struct {
	blobs     pipeline.BlobStore
	hasher    pipeline.Hasher
	clock     pipeline.Clock
	converter *md.Converter
	logger    *zap.Logger
}

// New builds a Persister. hasher may be nil to skip the content digest.
func New(blobs pipeline.BlobStore, hasher pipeline.Hasher, clock pipeline.Clock, logger *zap.Logger) (*Persister, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Persister{blobs: blobs, hasher: hasher, clock: clock, converter: converter, logger: logger}, nil
}

// ArtifactID derives the stable artifact id of a canonical URL.
func ArtifactID(canonicalURL string) string {
	return iduuid.FromURL(canonicalURL)
}

type contentDoc struct {
	URL                 string    `json:"url"`
	CanonicalURL        string    `json:"canonical_url"`
	Domain              string    `json:"domain"`
	Title               string    `json:"title"`
	Author              string    `json:"author"`
	PublishDate         string    `json:"publish_date"`
	ContentText         string    `json:"content_text"`
	WordCount           int       `json:"word_count"`
	ExtractionTimestamp time.Time `json:"extraction_timestamp"`
	ProcessingTimeMs    int64     `json:"processing_time_ms"`
}

type metadataDoc struct {
	ArtifactID          string            `json:"artifact_id"`
	TaskID              string            `json:"task_id"`
	URL                 string            `json:"url"`
	CanonicalURL        string            `json:"canonical_url"`
	Domain              string            `json:"domain"`
	Title               string            `json:"title"`
	Author              string            `json:"author"`
	PublishDate         string            `json:"publish_date"`
	WordCount           int               `json:"word_count"`
	ExtractionTimestamp time.Time         `json:"extraction_timestamp"`
	PersistedAt         time.Time         `json:"persisted_at"`
	ProcessingTimeMs    int64             `json:"processing_time_ms"`
	IsReadable          bool              `json:"is_readable"`
	Status              string            `json:"status"`
	HasScreenshot       bool              `json:"has_screenshot"`
	ContentSHA256       string            `json:"content_sha256,omitempty"`
	Paths               map[string]string `json:"paths"`
}

// Persist writes every artifact for in and returns their URIs.
func (p *Persister) Persist(ctx context.Context, in pipeline.EvidenceInput) (pipeline.EvidenceRecord, error) {
	res := in.Result
	sourceURL := firstNonEmpty(in.URL, res.URL)
	canonical := firstNonEmpty(res.CanonicalURL, sourceURL)
	domain := firstNonEmpty(urlutil.Domain(sourceURL), res.Domain, "unknown")
	artifactID := ArtifactID(canonical)
	base := path.Join("domains", domain, artifactID)
	text := firstNonEmpty(in.CleanedContent, res.ContentText)

	record := pipeline.EvidenceRecord{
		ArtifactID: artifactID,
		Paths:      map[string]string{PathBase: base},
	}

	screenshot := in.Screenshot
	if len(screenshot) == 0 {
		screenshot = res.Screenshot
	}
	switch {
	case len(screenshot) > 0:
		uri, err := p.blobs.PutObject(ctx, path.Join(base, "screenshot.png"), "image/png", screenshot)
		if err != nil {
			return record, fmt.Errorf("put screenshot: %w", err)
		}
		record.Paths[PathScreenshot] = uri
	case in.Prior != nil && in.Prior.ArtifactID == artifactID && in.Prior.Paths[PathScreenshot] != "":
		record.Paths[PathScreenshot] = in.Prior.Paths[PathScreenshot]
	}

	content := contentDoc{
		URL:                 sourceURL,
		CanonicalURL:        canonical,
		Domain:              domain,
		Title:               res.Title,
		Author:              res.Author,
		PublishDate:         res.PublishDate,
		ContentText:         text,
		WordCount:           res.WordCount,
		ExtractionTimestamp: res.ExtractedAt,
		ProcessingTimeMs:    res.ProcessingTimeMs,
	}
	if err := p.putJSON(ctx, path.Join(base, "content.json"), content, record.Paths, PathContent); err != nil {
		return record, err
	}

	articleHTML := res.ArticleHTML
	if in.CleanedContent != "" {
		articleHTML = ""
	}
	markdown := p.markdown(content, articleHTML)
	uri, err := p.blobs.PutObject(ctx, path.Join(base, "content.md"), "text/markdown", []byte(markdown))
	if err != nil {
		return record, fmt.Errorf("put markdown: %w", err)
	}
	record.Paths[PathMarkdown] = uri

	meta := metadataDoc{
		ArtifactID:          artifactID,
		TaskID:              in.TaskID,
		URL:                 sourceURL,
		CanonicalURL:        canonical,
		Domain:              domain,
		Title:               res.Title,
		Author:              res.Author,
		PublishDate:         res.PublishDate,
		WordCount:           res.WordCount,
		ExtractionTimestamp: res.ExtractedAt,
		PersistedAt:         p.clock.Now(),
		ProcessingTimeMs:    res.ProcessingTimeMs,
		IsReadable:          res.IsReadable,
		Status:              string(res.Status),
		HasScreenshot:       record.Paths[PathScreenshot] != "",
		Paths:               record.Paths,
	}
	if p.hasher != nil {
		digest, err := p.hasher.Hash([]byte(text))
		if err != nil {
			p.logger.Warn("content digest failed", zap.String("artifact_id", artifactID), zap.Error(err))
		} else {
			meta.ContentSHA256 = digest
		}
	}
	if err := p.putJSON(ctx, path.Join(base, "metadata.json"), meta, record.Paths, PathMetadata); err != nil {
		return record, err
	}
	p.logger.Info("evidence persisted",
		zap.String("task_id", in.TaskID),
		zap.String("artifact_id", artifactID),
		zap.String("domain", domain),
	)
	return record, nil
}

func (p *Persister) putJSON(ctx context.Context, name string, v any, paths map[string]string, key string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	uri, err := p.blobs.PutObject(ctx, name, "application/json", data)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	paths[key] = uri
	return nil
}

func (p *Persister) markdown(c contentDoc, articleHTML string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)
	if c.Author != "" {
		fmt.Fprintf(&b, "**Author:** %s\n\n", c.Author)
	}
	if c.PublishDate != "" {
		fmt.Fprintf(&b, "**Published:** %s\n\n", c.PublishDate)
	}
	fmt.Fprintf(&b, "**Source:** [%s](%s)\n\n", c.Domain, c.URL)
	fmt.Fprintf(&b, "**Word Count:** %d words\n\n", c.WordCount)
	fmt.Fprintf(&b, "**Extracted:** %s\n\n", c.ExtractionTimestamp.UTC().Format(time.RFC3339))
	b.WriteString("---\n\n")

	body := c.ContentText
	if strings.TrimSpace(articleHTML) != "" {
		converted, err := p.converter.ConvertString(articleHTML)
		if err == nil && strings.TrimSpace(converted) != "" {
			body = converted
		}
	}
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
