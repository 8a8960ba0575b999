// Package signals holds the inbound event model and its storage. A signal
// is the unit the evaluation engine reacts to; historical signals of the
// same type back the windowed condition scopes.
package signals

import (
	"context"
	"errors"
	"time"
)

// ErrSignalExists marks an Insert whose id is already stored. Ingestion
// paths treat it as already-ingested rather than as a failure, so
// re-delivered messages flow through to the idempotent evaluation step.
var ErrSignalExists = errors.New("signal already stored")

// Signal is a tenant-scoped event carrying an arbitrary JSON payload.
type Signal struct {
	ID        string         `json:"id"`
	AgencyID  string         `json:"agencyId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists signals and serves the history windows that windowed
// conditions resolve against.
type Store interface {
	// Insert persists the signal. CreatedAt is set by the store when zero.
	// A duplicate id returns ErrSignalExists.
	Insert(ctx context.Context, sig *Signal) error

	// Get returns the signal by id, or rules.ErrNotFound.
	Get(ctx context.Context, id string) (*Signal, error)

	// ListWindow returns the agency's signals of the given type created at
	// or after since, oldest first. The inbound signal itself is included
	// once inserted.
	ListWindow(ctx context.Context, agencyID, signalType string, since time.Time) ([]*Signal, error)
}
