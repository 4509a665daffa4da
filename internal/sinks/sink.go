package sinks

import (
	"context"

	"github.com/rzbill/mev/internal/event"
)

// Sink delivers batches of one account's events to a backend.
type Sink interface {
	Name() string
	Execute(ctx context.Context, accountID string, events []event.Event) error
	Close() error
}

// Appender is the write path of the event store.
type Appender interface {
	Append(ctx context.Context, account string, events []event.Event) ([]uint64, error)
}
