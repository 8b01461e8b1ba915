package registry

import (
	"context"

	"cmdforge/internal/types"
)

// StatusChange moves one existing version to a new status.
type StatusChange struct {
	Name    string
	Version int
	Status  types.CommandStatus
}

// Mutation is applied atomically: status changes in order, then the insert.
type Mutation struct {
	Updates []StatusChange
	Insert  *types.RegisteredCommand
}

// Store persists command metadata. Sources live in a separate content
// addressed blob store, so commands returned by a Store have no Source.
type Store interface {
	// Versions returns every version of name ordered by version, or an empty
	// slice when the name is unknown.
	Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error)
	// Names returns every known command name, sorted.
	Names(ctx context.Context) ([]string, error)
	Apply(ctx context.Context, m Mutation) error
	Close() error
}
