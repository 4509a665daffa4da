package sinks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rzbill/mev/internal/event"
)

// Store writes batches into the event store.
type Store struct {
	store Appender
}

// NewStore wraps an event store write path.
func NewStore(a Appender) *Store { return &Store{store: a} }

func (*Store) Name() string { return "store:" }

func (s *Store) Execute(ctx context.Context, accountID string, events []event.Event) error {
	if _, err := s.store.Append(ctx, accountID, events); err != nil {
		return errors.Wrapf(err, "store sink: append %d events for %s", len(events), accountID)
	}
	return nil
}

// Close is a no-op; the store is owned by the runtime.
func (*Store) Close() error { return nil }
