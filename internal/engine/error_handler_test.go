package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func failureNode(stopOnError *bool) *Node {
	return &Node{
		Step:    &schema.Step{ID: "s1", Type: schema.StepTypeWebhook},
		Options: schema.StepOptions{StopOnError: stopOnError},
	}
}

func TestHandleStepFailure_StopsByDefault(t *testing.T) {
	app := &recordingAppender{}
	res, err := HandleStepFailure(context.Background(), NewExecutionFSM(app), &schema.Execution{ID: "e1"}, failureNode(nil), "no recipient", nil)
	require.NoError(t, err)
	assert.False(t, res.Continue)
	assert.Equal(t, "no recipient", res.Reason)

	require.Len(t, app.events, 1)
	assert.Equal(t, schema.EventStepFailed, app.events[0].Type)
	assert.Equal(t, "s1", app.events[0].StepID)
}

func TestHandleStepFailure_ContinueOptIn(t *testing.T) {
	off := false
	app := &recordingAppender{}
	res, err := HandleStepFailure(context.Background(), NewExecutionFSM(app), &schema.Execution{ID: "e1"}, failureNode(&off), "", nil)
	require.NoError(t, err)
	assert.True(t, res.Continue)
	assert.Equal(t, "step failed", res.Reason)
}

func TestHandleStepFailure_ErrorWinsAndCarriesCode(t *testing.T) {
	app := &recordingAppender{}
	stepErr := schema.NewError(schema.ErrCodeTimeout, "step timed out")
	res, err := HandleStepFailure(context.Background(), NewExecutionFSM(app), &schema.Execution{ID: "e1"}, failureNode(nil), "ignored", stepErr)
	require.NoError(t, err)
	assert.Equal(t, stepErr.Error(), res.Reason)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(app.events[0].Payload, &payload))
	assert.Equal(t, schema.ErrCodeTimeout, payload["code"])
}

func TestHandleStepFailure_AuditFailure(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{err: errors.New("locked")})
	res, err := HandleStepFailure(context.Background(), fsm, &schema.Execution{ID: "e1"}, failureNode(nil), "x", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Continue)
}
