// Package ticketnumber mints collision-free ticket numbers from a monotonic
// database counter.
package ticketnumber

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Generator formats the next ticket number for a queue prefix.
type Generator interface {
	Name() string
	Next(ctx context.Context, ext sqlx.ExtContext, prefix string) (string, error)
}

// CounterStore is the monotonic integer source behind a generator. Add runs
// on the caller's transaction so numbering commits or rolls back with the
// ticket insert.
type CounterStore interface {
	Add(ctx context.Context, ext sqlx.ExtContext, offset int64) (int64, error)
}

// PrefixIncrement formats numbers as <prefix>-<counter>, one global sequence
// per installation. Counters only ever grow; numbers abandoned by rolled-back
// allocations become gaps, never reuse.
type PrefixIncrement struct {
	store CounterStore
}

// NewPrefixIncrement builds the generator over the given counter store.
func NewPrefixIncrement(store CounterStore) *PrefixIncrement {
	return &PrefixIncrement{store: store}
}

// Name returns the generator identifier.
func (g *PrefixIncrement) Name() string { return "PrefixIncrement" }

// Next reserves the next counter value and formats the ticket number.
func (g *PrefixIncrement) Next(ctx context.Context, ext sqlx.ExtContext, prefix string) (string, error) {
	c, err := g.store.Add(ctx, ext, 1)
	if err != nil {
		return "", fmt.Errorf("counter add: %w", err)
	}
	return fmt.Sprintf("%s-%d", prefix, c), nil
}
