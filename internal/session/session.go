package session

import (
	"context"
	"errors"
	"log"
	"time"
)

// Handle is the opaque mailbox session owned by a scope. The pool decides
// its concrete type; this package never looks inside it.
type Handle any

// Pool hands out at most one live session per account. It is an external
// collaborator; mailpilot only coordinates acquisition and release.
type Pool interface {
	Acquire(ctx context.Context, accountID, userID string) (Handle, error)
	Release(ctx context.Context, h Handle, userID, accountID string) error
}

// ErrNoScope is returned when session-dependent code runs outside With.
var ErrNoScope = errors.New("no active connection scope")

// scope is a reentrant, reference-counted connection context for one
// (userID, accountID) pair. It is owned by a single call chain and must not
// be shared across goroutines; concurrent scopes for different accounts are
// fully independent.
type scope struct {
	pool      Pool
	accountID string
	userID    string
	depth     int
	handle    Handle
}

type ctxKey struct{}

// With establishes (or reenters) the connection scope for the pair and runs
// fn inside it. Nested calls for the same pair share one scope and one
// session; the underlying session is returned to the pool exactly once,
// when the outermost call exits, even if fn returned an error or panicked.
func With(ctx context.Context, pool Pool, accountID, userID string, fn func(ctx context.Context) error) error {
	if sc, ok := fromContext(ctx); ok && sc.accountID == accountID && sc.userID == userID {
		sc.depth++
		defer func() { sc.depth-- }()
		return fn(ctx)
	}

	sc := &scope{pool: pool, accountID: accountID, userID: userID, depth: 1}
	ctx = context.WithValue(ctx, ctxKey{}, sc)
	defer func() {
		sc.depth--
		if sc.depth == 0 && sc.handle != nil {
			// fn's context may already be cancelled; release on its own clock.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sc.pool.Release(relCtx, sc.handle, sc.userID, sc.accountID); err != nil {
				log.Printf("session: release %s/%s: %v", sc.userID, sc.accountID, err)
			}
			sc.handle = nil
		}
	}()
	return fn(ctx)
}

// FromContext returns the shared session for the active scope, acquiring it
// from the pool on first use. Nested collaborators call this instead of
// threading the handle through every signature.
func FromContext(ctx context.Context) (Handle, error) {
	sc, ok := fromContext(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	return sc.session(ctx)
}

// session lazily acquires and returns the scope's handle.
func (s *scope) session(ctx context.Context) (Handle, error) {
	if s.handle != nil {
		return s.handle, nil
	}
	h, err := s.pool.Acquire(ctx, s.accountID, s.userID)
	if err != nil {
		return nil, err
	}
	s.handle = h
	return h, nil
}

func fromContext(ctx context.Context) (*scope, bool) {
	sc, ok := ctx.Value(ctxKey{}).(*scope)
	return sc, ok
}
