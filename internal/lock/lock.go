package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Manager grants short-lived exclusive locks keyed by resource id. The lock
// lives in Redis with a TTL and is auto-extended while the guarded operation
// runs; the TTL is the ultimate backstop if this process dies.
type Manager struct {
	client      *redis.Client
	extendEvery time.Duration
}

// NewManager builds a lock manager. extendEvery of zero means each lock
// extends at a third of its TTL.
func NewManager(client *redis.Client, extendEvery time.Duration) *Manager {
	return &Manager{client: client, extendEvery: extendEvery}
}

// MessageKey derives the lock resource key for one message of one account.
func MessageKey(accountID, messageKey string) string {
	return fmt.Sprintf("lock:msg:%s:%s", accountID, messageKey)
}

// Outcome reports whether the lock was acquired. Reason is set when it was
// not; that is contention, not an error.
type Outcome struct {
	Acquired bool
	Reason   string
}

// WithLock attempts exactly one acquisition of key. If another holder owns
// it, the outcome reports Acquired=false and fn never runs. On acquisition
// fn runs with a channel that is closed once extension can no longer keep
// the lock valid; fn must poll it at its own checkpoints, there is no
// preemption. The lock is released on every exit path; release failures are
// swallowed since the TTL expires the entry regardless. Infrastructure
// errors from the acquisition itself are returned as errors, not outcomes.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lost <-chan struct{}) error) (Outcome, error) {
	token := uuid.New().String()

	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return Outcome{Acquired: false, Reason: "held by another processor"}, nil
	}

	lost := make(chan struct{})
	stop := make(chan struct{})
	extenderDone := make(chan struct{})
	go m.extend(key, token, ttl, lost, stop, extenderDone)

	defer func() {
		close(stop)
		<-extenderDone
		// Best effort: delete only if we still hold it.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, m.client, []string{key}, token).Err()
	}()

	return Outcome{Acquired: true}, fn(ctx, lost)
}

// extend keeps the TTL fresh until told to stop. When an extension fails, or
// the key no longer carries our token, the lost channel is closed and the
// extender exits: the operation may already be raced by a new holder.
func (m *Manager) extend(key, token string, ttl time.Duration, lost, stop, done chan struct{}) {
	defer close(done)

	interval := m.extendEvery
	if interval <= 0 {
		interval = ttl / 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			res, err := extendScript.Run(ctx, m.client, []string{key}, token, ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || res == 0 {
				close(lost)
				return
			}
		}
	}
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
