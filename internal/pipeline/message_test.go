package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageMessageRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := StageMessage{TaskID: "task-1", Stage: StageCleaning}.Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{"task_id":"task-1","stage":"cleaning"}`, string(data))

	msg, err := DecodeStageMessage(data)
	require.NoError(t, err)
	require.Equal(t, "task-1", msg.TaskID)
	require.Equal(t, StageCleaning, msg.Stage)
}

func TestDecodeStageMessageRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":      `{`,
		"missing id":    `{"stage":"cleaning"}`,
		"unknown stage": `{"task_id":"t","stage":"publishing"}`,
		"pending stage": `{"task_id":"t","stage":"pending"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeStageMessage([]byte(payload))
			require.Error(t, err)
		})
	}
}

func TestDeliveryHooks(t *testing.T) {
	t.Parallel()

	var acked, nacked bool
	d := NewDelivery(StageMessage{TaskID: "t", Stage: StageExtraction}, 1,
		func() error { acked = true; return nil },
		func() error { nacked = true; return errors.New("nack failed") },
	)
	require.NoError(t, d.Ack())
	require.Error(t, d.Nack())
	require.True(t, acked)
	require.True(t, nacked)

	require.NoError(t, Delivery{}.Ack())
	require.NoError(t, Delivery{}.Nack())
}
