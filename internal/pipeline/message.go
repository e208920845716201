package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StageMessage announces that Stage of TaskID is ready to run.
type StageMessage struct {
	TaskID string `json:"task_id"`
	Stage  Stage  `json:"stage"`
}

// Validate rejects messages that no worker can act on.
func (m StageMessage) Validate() error {
	if m.TaskID == "" {
		return errors.New("task_id is required")
	}
	if m.Stage == StagePending || !m.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", m.Stage)
	}
	return nil
}

// Encode marshals the message for a transport.
func (m StageMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal stage message: %w", err)
	}
	return data, nil
}

// DecodeStageMessage parses and validates a transport payload.
func DecodeStageMessage(data []byte) (StageMessage, error) {
	var msg StageMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StageMessage{}, fmt.Errorf("unmarshal stage message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return StageMessage{}, err
	}
	return msg, nil
}

// Delivery is one received StageMessage with its acknowledgement hooks.
type Delivery struct {
	Message StageMessage
	Attempt int
	// Metadata carries transport attributes such as trace context.
	Metadata map[string]string
	ack      func() error
	nack     func() error
}

// NewDelivery wraps a message with transport-specific ack and nack functions.
func NewDelivery(msg StageMessage, attempt int, ack, nack func() error) Delivery {
	return Delivery{Message: msg, Attempt: attempt, ack: ack, nack: nack}
}

// WithMetadata returns a copy of d carrying the transport attributes.
func (d Delivery) WithMetadata(md map[string]string) Delivery {
	d.Metadata = md
	return d
}

// Ack confirms the message was handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack asks the transport to redeliver the message.
func (d Delivery) Nack() error {
	if d.nack == nil {
		return nil
	}
	return d.nack()
}
