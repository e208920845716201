package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no task has the requested id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task with a taken id.
	ErrTaskExists = errors.New("task already exists")
)

// LoadFailure means the page could not be retrieved. The task is failed.
type LoadFailure struct {
	Reason string
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("load failure: %s", e.Reason)
}

// BlockedByDefenses means a CAPTCHA or bot wall hid the content. The task is blocked.
type BlockedByDefenses struct {
	Reason string
}

func (e *BlockedByDefenses) Error() string {
	return fmt.Sprintf("blocked by defenses: %s", e.Reason)
}
