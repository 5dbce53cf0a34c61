// Package store defines the State Store abstraction: a mapping from
// session id to Session, with atomic, transactional replace semantics for
// nested collections.
package store

import (
	"context"
	"errors"

	"github.com/kandev/orchestrator/internal/session"
)

// ErrClosed is returned by any operation performed after Close.
var ErrClosed = errors.New("store is closed")

// Store is the persistence abstraction for the Session aggregate.
// Implementations must guarantee that Set replaces nested collections
// (users, clients, prompts) atomically: a failed Set leaves the prior
// state intact.
type Store interface {
	// Get reads a consistent snapshot of a session, including all nested
	// collections. Returns (nil, nil) if absent.
	Get(ctx context.Context, id string) (*session.Session, error)

	// Set atomically replaces the stored session.
	Set(ctx context.Context, s *session.Session) error

	// Delete removes a session, returning true iff it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Has reports whether a session exists.
	Has(ctx context.Context, id string) (bool, error)

	// All returns every stored session; iteration order is not significant.
	All(ctx context.Context) ([]*session.Session, error)

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)

	// Clear removes every session. Used by tests.
	Clear(ctx context.Context) error

	// Close releases backend handles.
	Close() error
}
