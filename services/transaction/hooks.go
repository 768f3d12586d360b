package transaction

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// CompletionHandler applies the business effect of a confirmed transaction.
// It runs inside the database transaction that marks the record confirmed.
type CompletionHandler func(ctx context.Context, tx *gorm.DB, rec *Record, payload Payload) error

// StatusObserver is told about every other status change of a record, inside
// the database transaction that made it. rec carries the new status.
type StatusObserver func(ctx context.Context, tx *gorm.DB, rec *Record, payload Payload) error

// RetryScheduler arranges a later Retry for a failed record that still has
// attempts left.
type RetryScheduler interface {
	Schedule(ctx context.Context, rec *Record) error
}

type hooks struct {
	mu          sync.RWMutex
	completions map[Type]CompletionHandler
	observers   map[Type][]StatusObserver
}

func newHooks() *hooks {
	return &hooks{
		completions: make(map[Type]CompletionHandler),
		observers:   make(map[Type][]StatusObserver),
	}
}

func (h *hooks) completion(t Type) CompletionHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.completions[t]
}

func (h *hooks) observersFor(t Type) []StatusObserver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.observers[t]
}
