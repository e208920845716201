package pipeline

import "time"

// TokenCosts tracks generative-model token usage per stage.
type TokenCosts struct {
	Extraction    int `json:"extraction"`
	Cleaning      int `json:"cleaning"`
	Resolution    int `json:"resolution"`
	Semantization int `json:"semantization"`
	Total         int `json:"total"`
}

// Set records the usage for a stage and recomputes the total.
func (c *TokenCosts) Set(stage Stage, tokens int) {
	switch stage {
	case StageExtraction:
		c.Extraction = tokens
	case StageCleaning:
		c.Cleaning = tokens
	case StageResolution:
		c.Resolution = tokens
	case StageSemantization:
		c.Semantization = tokens
	}
	c.Total = c.Extraction + c.Cleaning + c.Resolution + c.Semantization
}

// Task is one pipeline run for a single URL submission.
type Task struct {
	ID               string            `json:"id"`
	URL              string            `json:"url"`
	CanonicalURL     string            `json:"canonical_url,omitempty"`
	UserID           string            `json:"user_id,omitempty"`
	Status           Status            `json:"status"`
	CurrentStage     Stage             `json:"current_stage"`
	RawResult        *PageResult       `json:"raw_result,omitempty"`
	CleanedResult    *ValidationResult `json:"cleaned_result,omitempty"`
	ResolvedEntities *EntityResolution `json:"resolved_entities,omitempty"`
	SemanticData     *SemanticData     `json:"semantic_data,omitempty"`
	Evidence         *EvidenceRecord   `json:"evidence,omitempty"`
	Error            string            `json:"error,omitempty"`
	BlockReason      string            `json:"block_reason,omitempty"`
	TokenCosts       TokenCosts        `json:"token_costs"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// NewTask carries the caller-supplied fields of a task. ID is optional.
type NewTask struct {
	ID     string
	URL    string
	UserID string
}

// Patch is merged into a task by TaskStore.Advance; nil fields are left alone.
type Patch struct {
	CanonicalURL     *string
	RawResult        *PageResult
	CleanedResult    *ValidationResult
	ResolvedEntities *EntityResolution
	SemanticData     *SemanticData
	Evidence         *EvidenceRecord
	Tokens           int
}

// Apply merges the patch into task for the given stage and moves the task forward.
// Callers must have checked that stage is ahead of task.CurrentStage.
func (p Patch) Apply(task *Task, stage Stage, now time.Time) {
	if p.CanonicalURL != nil {
		task.CanonicalURL = *p.CanonicalURL
	}
	if p.RawResult != nil {
		task.RawResult = p.RawResult
	}
	if p.CleanedResult != nil {
		task.CleanedResult = p.CleanedResult
	}
	if p.ResolvedEntities != nil {
		task.ResolvedEntities = p.ResolvedEntities
	}
	if p.SemanticData != nil {
		task.SemanticData = p.SemanticData
	}
	if p.Evidence != nil {
		task.Evidence = p.Evidence
	}
	task.TokenCosts.Set(stage, p.Tokens)
	task.CurrentStage = stage
	task.UpdatedAt = now
	if stage == StageSemantization {
		task.Status = StatusCompleted
		done := now
		task.CompletedAt = &done
		return
	}
	task.Status = StatusProcessing
}

// LoadStatus is the Page Loader's verdict on a URL.
type LoadStatus string

// Page Loader statuses.
const (
	LoadReadable       LoadStatus = "readable"
	LoadEmpty          LoadStatus = "empty"
	LoadCaptchaBlocked LoadStatus = "captcha_blocked"
	LoadError          LoadStatus = "error"
)

// PageMetadata holds the social and publisher tags read from the page head.
type PageMetadata struct {
	SiteName    string `json:"site_name,omitempty"`
	Locale      string `json:"locale,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	TwitterSite string `json:"twitter_site,omitempty"`
	Language    string `json:"language,omitempty"`
}

// PageResult is the raw extraction of a rendered page.
type PageResult struct {
	URL              string       `json:"url"`
	CanonicalURL     string       `json:"canonical_url"`
	Domain           string       `json:"domain"`
	IsReadable       bool         `json:"is_readable"`
	Status           LoadStatus   `json:"status"`
	Title            string       `json:"title"`
	ContentText      string       `json:"content_text"`
	MetaDescription  string       `json:"meta_description"`
	Author           string       `json:"author"`
	PublishDate      string       `json:"publish_date"`
	WordCount        int          `json:"word_count"`
	Metadata         PageMetadata `json:"metadata"`
	UsedHeadless     bool         `json:"used_headless"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	ExtractedAt      time.Time    `json:"extraction_timestamp"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`

	// Screenshot and ArticleHTML are handed to the evidence persister and
	// never stored on the task.
	Screenshot  []byte `json:"-"`
	ArticleHTML string `json:"-"`
}

// Flag is a content-quality annotation produced by the validator.
type Flag string

// Validator flag vocabulary.
const (
	FlagPaywallDetected      Flag = "paywall_detected"
	FlagShortContent         Flag = "short_content"
	FlagAntiBot              Flag = "anti_bot"
	FlagErrorPage            Flag = "error_page"
	FlagMetadataDateMismatch Flag = "metadata_date_mismatch"
	FlagNoAuthor             Flag = "no_author"
	FlagNavigationHeavy      Flag = "navigation_heavy"
	FlagEmptyContent         Flag = "empty_content"
	FlagValidationError      Flag = "validation_error"
)

var knownFlags = []Flag{
	FlagPaywallDetected,
	FlagShortContent,
	FlagAntiBot,
	FlagErrorPage,
	FlagMetadataDateMismatch,
	FlagNoAuthor,
	FlagNavigationHeavy,
	FlagEmptyContent,
	FlagValidationError,
}

// KnownFlag reports whether f belongs to the flag vocabulary.
func KnownFlag(f Flag) bool {
	for _, k := range knownFlags {
		if k == f {
			return true
		}
	}
	return false
}

// NormalizeFlags drops flags outside the vocabulary, removes duplicates and
// orders the rest by vocabulary position.
func NormalizeFlags(flags []Flag) []Flag {
	seen := make(map[Flag]bool, len(flags))
	for _, f := range flags {
		seen[f] = true
	}
	out := make([]Flag, 0, len(seen))
	for _, k := range knownFlags {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// CleanedMetadata is the article metadata recovered from the body text.
type CleanedMetadata struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	PublishDate string `json:"publish_date"`
	Summary     string `json:"summary"`
}

// ValidationResult is the output of the content validator.
type ValidationResult struct {
	IsValid         bool            `json:"is_valid"`
	Reason          string          `json:"reason"`
	Flags           []Flag          `json:"flags"`
	CleanedMetadata CleanedMetadata `json:"cleaned_metadata"`
	CleanedContent  string          `json:"cleaned_content"`
	TokenUsage      int             `json:"token_usage"`
}

// HasFlag reports whether the result carries f.
func (r ValidationResult) HasFlag(f Flag) bool {
	for _, got := range r.Flags {
		if got == f {
			return true
		}
	}
	return false
}

// EntityType is the public type of a canonical entity.
type EntityType string

// Entity types.
const (
	EntityPerson   EntityType = "PERSON"
	EntityOrg      EntityType = "ORG"
	EntityLocation EntityType = "LOCATION"
)

// ResolvedEntity is a deduplicated, identity-stable entity.
type ResolvedEntity struct {
	CanonicalName string            `json:"canonical_name"`
	CanonicalID   string            `json:"canonical_id"`
	EntityType    EntityType        `json:"entity_type"`
	Mentions      []string          `json:"mentions"`
	ExternalKBID  *string           `json:"external_kb_id"`
	Confidence    float64           `json:"confidence"`
	Context       map[string]string `json:"context,omitempty"`
}

// MediaSource is the normalized publisher record of a page.
type MediaSource struct {
	CanonicalName string  `json:"canonical_name"`
	Domain        string  `json:"domain"`
	Facebook      string  `json:"facebook"`
	Twitter       string  `json:"twitter"`
	Locale        string  `json:"locale"`
	ExternalKBID  *string `json:"external_kb_id"`
}

// EntityResolution is the output of the entity resolver.
type EntityResolution struct {
	Persons          []ResolvedEntity `json:"persons"`
	Organizations    []ResolvedEntity `json:"organizations"`
	Locations        []ResolvedEntity `json:"locations"`
	MediaSource      MediaSource      `json:"media_source"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	TokenUsage       int              `json:"token_usage"`
	Notes            string           `json:"notes,omitempty"`
}

// Modality is the epistemic status of a claim.
type Modality string

// Claim modalities.
const (
	ModalityOfficialFact  Modality = "official_fact"
	ModalityReportedClaim Modality = "reported_claim"
	ModalityAllegation    Modality = "allegation"
	ModalityOpinion       Modality = "opinion"
)

// Valid reports whether m is one of the enumerated modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityOfficialFact, ModalityReportedClaim, ModalityAllegation, ModalityOpinion:
		return true
	default:
		return false
	}
}

// When is the normalized temporal anchor of a claim.
type When struct {
	Date            string `json:"date,omitempty"`
	Time            string `json:"time,omitempty"`
	Precision       string `json:"precision"`
	EventTime       string `json:"event_time,omitempty"`
	TemporalContext string `json:"temporal_context,omitempty"`
	ReportedTime    string `json:"reported_time"`
	EventTimeISO    string `json:"event_time_iso,omitempty"`
}

// Claim is an atomic, attributable assertion extracted from content.
type Claim struct {
	ID                 string   `json:"id"`
	Text               string   `json:"text"`
	Who                []string `json:"who"`
	Where              []string `json:"where"`
	When               When     `json:"when"`
	Modality           Modality `json:"modality"`
	EvidenceReferences []string `json:"evidence_references"`
	Confidence         float64  `json:"confidence"`
	ExcludedReason     string   `json:"excluded_reason,omitempty"`
}

// ClaimEntities are the entities referenced by admitted claims.
type ClaimEntities struct {
	People         []string `json:"people"`
	Organizations  []string `json:"organizations"`
	Locations      []string `json:"locations"`
	TimeReferences []string `json:"time_references"`
}

// SemanticData is the output of the claim extractor.
type SemanticData struct {
	Claims           []Claim       `json:"claims"`
	ExcludedClaims   []Claim       `json:"excluded_claims"`
	Entities         ClaimEntities `json:"entities"`
	Gist             string        `json:"gist"`
	Confidence       float64       `json:"confidence"`
	NotesUnsupported []string      `json:"notes_unsupported"`
	TokenUsage       int           `json:"token_usage"`
	SourceURL        string        `json:"source_url"`
	ExtractedAt      time.Time     `json:"extraction_timestamp"`
}

// EvidenceRecord points at the archived artifacts of a task.
type EvidenceRecord struct {
	ArtifactID string            `json:"artifact_id"`
	Paths      map[string]string `json:"paths"`
}
