package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type fakePool struct {
	mu       sync.Mutex
	acquires int32
	releases int32
	handles  []string
}

func (p *fakePool) Acquire(_ context.Context, accountID, _ string) (Handle, error) {
	n := atomic.AddInt32(&p.acquires, 1)
	h := fmt.Sprintf("session-%s-%d", accountID, n)
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *fakePool) Release(_ context.Context, _ Handle, _, _ string) error {
	atomic.AddInt32(&p.releases, 1)
	return nil
}

func TestReentrantSharesOneSession(t *testing.T) {
	pool := &fakePool{}
	seen := make(map[Handle]bool)

	err := With(context.Background(), pool, "acct1", "user1", func(ctx context.Context) error {
		h1, err := FromContext(ctx)
		if err != nil {
			return err
		}
		seen[h1] = true
		return With(ctx, pool, "acct1", "user1", func(ctx context.Context) error {
			return With(ctx, pool, "acct1", "user1", func(ctx context.Context) error {
				h3, err := FromContext(ctx)
				if err != nil {
					return err
				}
				seen[h3] = true
				return nil
			})
		})
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("nested scopes used %d sessions, want 1", len(seen))
	}
	if pool.acquires != 1 || pool.releases != 1 {
		t.Fatalf("pool saw %d acquires / %d releases, want 1/1", pool.acquires, pool.releases)
	}
}

func TestLazyAcquisition(t *testing.T) {
	pool := &fakePool{}
	err := With(context.Background(), pool, "acct1", "user1", func(ctx context.Context) error {
		// Nothing asks for the session.
		return nil
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if pool.acquires != 0 || pool.releases != 0 {
		t.Fatalf("pool saw %d acquires / %d releases, want 0/0", pool.acquires, pool.releases)
	}
}

func TestReleaseOnErrorExactlyOnce(t *testing.T) {
	pool := &fakePool{}
	wantErr := errors.New("body failed")
	err := With(context.Background(), pool, "acct1", "user1", func(ctx context.Context) error {
		if _, err := FromContext(ctx); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected body error, got %v", err)
	}
	if pool.acquires != 1 || pool.releases != 1 {
		t.Fatalf("pool saw %d acquires / %d releases, want 1/1", pool.acquires, pool.releases)
	}
}

func TestScopeIsolationAcrossAccounts(t *testing.T) {
	pool := &fakePool{}
	handles := make(chan Handle, 2)

	var wg sync.WaitGroup
	for _, acct := range []string{"acct1", "acct2"} {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			err := With(context.Background(), pool, acct, "user1", func(ctx context.Context) error {
				h, err := FromContext(ctx)
				if err != nil {
					return err
				}
				handles <- h
				return nil
			})
			if err != nil {
				t.Errorf("with %s: %v", acct, err)
			}
		}(acct)
	}
	wg.Wait()
	close(handles)

	h1, h2 := <-handles, <-handles
	if h1 == h2 {
		t.Fatalf("different accounts shared session %v", h1)
	}
	if pool.acquires != 2 || pool.releases != 2 {
		t.Fatalf("pool saw %d acquires / %d releases, want 2/2", pool.acquires, pool.releases)
	}
}

func TestFromContextOutsideScope(t *testing.T) {
	if _, err := FromContext(context.Background()); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope, got %v", err)
	}
}

func TestNestedDifferentAccountGetsOwnScope(t *testing.T) {
	pool := &fakePool{}
	err := With(context.Background(), pool, "acct1", "user1", func(ctx context.Context) error {
		outer, err := FromContext(ctx)
		if err != nil {
			return err
		}
		return With(ctx, pool, "acct2", "user1", func(ctx context.Context) error {
			inner, err := FromContext(ctx)
			if err != nil {
				return err
			}
			if inner == outer {
				return errors.New("nested scope for another account reused the session")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if pool.acquires != 2 || pool.releases != 2 {
		t.Fatalf("pool saw %d acquires / %d releases, want 2/2", pool.acquires, pool.releases)
	}
}
