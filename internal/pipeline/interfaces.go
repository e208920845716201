package pipeline

import (
	"context"
	"time"
)

// TaskStore is the single source of truth for task state.
type TaskStore interface {
	Create(ctx context.Context, task NewTask) (Task, error)
	Get(ctx context.Context, taskID string) (Task, error)
	// Advance merges patch and moves the task to stage. It reports false and
	// changes nothing when stage is at or behind the current stage.
	Advance(ctx context.Context, taskID string, stage Stage, patch Patch) (bool, error)
	MarkFailed(ctx context.Context, taskID string, reason string) error
	MarkBlocked(ctx context.Context, taskID string, reason string) error
}

// Announcer publishes "stage is ready" notifications.
type Announcer interface {
	Announce(ctx context.Context, taskID string, stage Stage) error
}

// Queue transports stage messages with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, msg StageMessage) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Publisher pushes task events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// PageLoader renders a URL and extracts its text.
type PageLoader interface {
	Load(ctx context.Context, url string, timeout time.Duration) (PageResult, error)
}

// EvidenceInput is what the evidence persister archives for a task.
type EvidenceInput struct {
	TaskID         string
	URL            string
	Result         PageResult
	CleanedContent string
	Screenshot     []byte
	// Prior is the record of an earlier persist for the same task. Its
	// screenshot is kept when Screenshot is empty.
	Prior *EvidenceRecord
}

// EvidencePersister archives artifacts for forensic retrieval.
type EvidencePersister interface {
	Persist(ctx context.Context, in EvidenceInput) (EvidenceRecord, error)
}

// Prompt is a single generative-model request.
type Prompt struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
	JSON        bool
}

// Completion is the model answer and its token usage.
type Completion struct {
	Content     string
	TotalTokens int
}

// LanguageModel is the generative text service used by the validator,
// resolver and claim extractor.
type LanguageModel interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
}
