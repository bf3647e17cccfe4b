package batchload

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchStatusTransitions(t *testing.T) {
	allowed := map[BatchStatus][]BatchStatus{
		StatusUnset:        {StatusOpen},
		StatusOpen:         {StatusOpen, StatusLocked},
		StatusLocked:       {StatusComplete, StatusError, StatusReprocessing, StatusOpen},
		StatusError:        {StatusReprocessing, StatusOpen},
		StatusReprocessing: {StatusReprocessed},
	}
	for from := StatusUnset; from < statusCount; from++ {
		for to := StatusUnset; to < statusCount; to++ {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equalf(t, want, from.CanTransitionTo(to), "%q -> %q", from, to)
		}
	}
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusReprocessed.Terminal())
	assert.False(t, StatusError.Terminal())
}

func TestCheckTransitionReportsInvalidState(t *testing.T) {
	err := checkTransition("b1", StatusComplete, StatusOpen)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusComplete, te.From)
	assert.Contains(t, err.Error(), `"complete"`)
}

func TestEngineAndOperatorTransitionsAreSeparate(t *testing.T) {
	assert.NoError(t, checkTransition("b1", StatusUnset, StatusOpen))
	assert.NoError(t, checkTransition("b1", StatusOpen, StatusOpen))
	assert.NoError(t, checkTransition("b1", StatusOpen, StatusLocked))
	assert.ErrorIs(t, checkTransition("b1", StatusLocked, StatusOpen), ErrInvalidState, "appends never reopen a locked batch")
	assert.ErrorIs(t, checkTransition("b1", StatusError, StatusOpen), ErrInvalidState)
	assert.ErrorIs(t, checkTransition("b1", StatusLocked, StatusLocked), ErrInvalidState)

	assert.NoError(t, checkOperatorTransition("b1", StatusLocked, StatusOpen))
	assert.NoError(t, checkOperatorTransition("b1", StatusError, StatusOpen))
	assert.ErrorIs(t, checkOperatorTransition("b1", StatusOpen, StatusOpen), ErrInvalidState)
	assert.ErrorIs(t, checkOperatorTransition("b1", StatusComplete, StatusOpen), ErrInvalidState)
}

func TestBatchStatusJSON(t *testing.T) {
	raw, err := json.Marshal(Batch{BatchID: "b1", Status: StatusReprocessing})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"reprocessing"`)

	raw, err = json.Marshal(Batch{BatchID: "b1"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"status"`)

	var b Batch
	require.NoError(t, json.Unmarshal([]byte(`{"batchId":"b2","status":"locked"}`), &b))
	assert.Equal(t, StatusLocked, b.Status)
	assert.Error(t, json.Unmarshal([]byte(`{"status":"sideways"}`), &b))
}
