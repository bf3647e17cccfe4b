// Package coordination provides the shared record store that independent
// event handlers coordinate through. Every write is a single atomic
// read-modify-write of one document, so predicates evaluated inside a
// MutateFunc behave as compare-and-swap conditions.
package coordination

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrThrottled      = errors.New("coordination store throttled")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// MutateFunc receives the current document, or nil when the row does not
// exist, and returns the document to store. Any error aborts the write and is
// returned from Mutate as is.
type MutateFunc func(current []byte) ([]byte, error)

// Backend is implemented by the memory, file, sqlite and postgres stores.
// Reads are strongly consistent in every implementation.
type Backend interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Mutate(ctx context.Context, table, key string, fn MutateFunc) ([]byte, error)
	Delete(ctx context.Context, table, key string) error
	Scan(ctx context.Context, table string, fn func(key string, doc []byte) error) error
	Close() error
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func validateKey(table, key string) error {
	if table == "" || key == "" {
		return ErrInvalidInput
	}
	return nil
}
