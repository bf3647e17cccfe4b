package batchload

import (
	"fmt"
	"strings"
)

// BatchStatus is the lifecycle state of a batch row. The zero value means
// the status attribute has never been written.
type BatchStatus uint8

const (
	StatusUnset BatchStatus = iota
	StatusOpen
	StatusLocked
	StatusComplete
	StatusError
	StatusReprocessing
	StatusReprocessed
	statusCount
)

var statusNames = [statusCount]string{
	StatusUnset:        "",
	StatusOpen:         "open",
	StatusLocked:       "locked",
	StatusComplete:     "complete",
	StatusError:        "error",
	StatusReprocessing: "reprocessing",
	StatusReprocessed:  "reprocessed",
}

type transitionKind uint8

const (
	noTransition transitionKind = iota
	engineTransition
	operatorTransition
)

// batchTransitions[from][to] lists every legal edge. open -> open is the
// append path; {locked, error} -> open is the operator unlock and is never
// taken by the engine itself.
var batchTransitions = [statusCount][statusCount]transitionKind{
	StatusUnset:        {StatusOpen: engineTransition},
	StatusOpen:         {StatusOpen: engineTransition, StatusLocked: engineTransition},
	StatusLocked:       {StatusComplete: engineTransition, StatusError: engineTransition, StatusReprocessing: engineTransition, StatusOpen: operatorTransition},
	StatusError:        {StatusReprocessing: engineTransition, StatusOpen: operatorTransition},
	StatusReprocessing: {StatusReprocessed: engineTransition},
}

func (s BatchStatus) String() string {
	if s >= statusCount {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	return transitionOf(s, next) != noTransition
}

// Terminal reports whether no automatic transition leaves s.
func (s BatchStatus) Terminal() bool {
	return s == StatusComplete || s == StatusReprocessed
}

func ParseBatchStatus(raw string) (BatchStatus, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range statusNames {
		if name == raw {
			return BatchStatus(i), nil
		}
	}
	return StatusUnset, fmt.Errorf("%w: unknown batch status %q", ErrInvalidInput, raw)
}

func (s BatchStatus) MarshalText() ([]byte, error) {
	if s >= statusCount {
		return nil, fmt.Errorf("%w: batch status %d", ErrInvalidState, uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *BatchStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseBatchStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func transitionOf(from, to BatchStatus) transitionKind {
	if from >= statusCount || to >= statusCount {
		return noTransition
	}
	return batchTransitions[from][to]
}

// checkTransition guards the edges the engine takes on its own.
func checkTransition(batchID string, from, to BatchStatus) error {
	if transitionOf(from, to) != engineTransition {
		return &TransitionError{BatchID: batchID, From: from, To: to}
	}
	return nil
}

// checkOperatorTransition guards the edges only an operator may take.
func checkOperatorTransition(batchID string, from, to BatchStatus) error {
	if transitionOf(from, to) != operatorTransition {
		return &TransitionError{BatchID: batchID, From: from, To: to}
	}
	return nil
}
