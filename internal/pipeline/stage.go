package pipeline

import "fmt"

// Stage names a step of the ingestion pipeline.
type Stage string

// Stages in pipeline order. StagePending is the stage of a freshly created task.
const (
	StagePending       Stage = "pending"
	StageExtraction    Stage = "extraction"
	StageCleaning      Stage = "cleaning"
	StageResolution    Stage = "resolution"
	StageSemantization Stage = "semantization"
)

var stageOrder = []Stage{
	StagePending,
	StageExtraction,
	StageCleaning,
	StageResolution,
	StageSemantization,
}

// WorkStages lists the stages executed by workers, in order.
func WorkStages() []Stage {
	out := make([]Stage, len(stageOrder)-1)
	copy(out, stageOrder[1:])
	return out
}

// ParseStage converts a wire value into a Stage.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// Index returns the position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// Next returns the stage after s.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

// Prev returns the stage before s.
func (s Stage) Prev() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return stageOrder[i-1], true
}

// Status is the lifecycle state of a task.
type Status string

// Task status values. The literal strings are part of the task record contract.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether no further stage may run for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}
