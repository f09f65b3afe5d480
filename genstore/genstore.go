// Package genstore hands out per-key generation numbers.
//
// A generation only moves forward. Writers stamp what they store with the
// generation they observed and readers drop anything stamped with an older one.
// The snapshot slot uses a single key ("slot:deductionsData") bumped on every
// publish; the offline cache keeps one key per cached request.
package genstore

import (
	"context"
	"errors"
	"time"
)

var ErrNilClient = errors.New("genstore: nil redis client")

// Store abstracts where generations live.
// Local keeps them in-process; Redis shares them across processes and restarts.
type Store interface {
	// Current returns the generation for key; missing => 0.
	Current(ctx context.Context, key string) (uint64, error)
	// CurrentMany returns generations for many keys; missing => 0.
	CurrentMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Raise lifts the generation to at least floor and returns the resulting one.
	// Used after a restart to continue from a persisted generation.
	Raise(ctx context.Context, key string, floor uint64) (uint64, error)
	// Forget drops keys entirely. A forgotten key reads as 0 again.
	Forget(ctx context.Context, keys ...string) error
	// Cleanup prunes metadata untouched for longer than retention (no-op for Redis).
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
