package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mailpilot/internal/models"
	"mailpilot/internal/session"
	"mailpilot/internal/throttle"
)

type fakePool struct {
	acquires int32
	releases int32
}

func (p *fakePool) Acquire(context.Context, string, string) (session.Handle, error) {
	n := atomic.AddInt32(&p.acquires, 1)
	return fmt.Sprintf("session-%d", n), nil
}

func (p *fakePool) Release(context.Context, session.Handle, string, string) error {
	atomic.AddInt32(&p.releases, 1)
	return nil
}

type fakeFetcher struct {
	summaries []models.MessageSummary
	listCalls int
}

func (f *fakeFetcher) ListInbox(ctx context.Context, _ string, pageSize, offset int) ([]models.MessageSummary, error) {
	f.listCalls++
	if _, err := session.FromContext(ctx); err != nil {
		return nil, err
	}
	if offset >= len(f.summaries) {
		return nil, nil
	}
	end := offset + pageSize
	if end > len(f.summaries) {
		end = len(f.summaries)
	}
	return f.summaries[offset:end], nil
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, _ string, uids []int64) ([]models.Message, error) {
	if _, err := session.FromContext(ctx); err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(uids))
	for _, uid := range uids {
		out = append(out, models.Message{UID: uid, Folder: "INBOX", Subject: fmt.Sprintf("msg %d", uid)})
	}
	return out, nil
}

func summaries(n int) []models.MessageSummary {
	out := make([]models.MessageSummary, n)
	for i := range out {
		out[i] = models.MessageSummary{UID: int64(i + 1), Folder: "INBOX"}
	}
	return out
}

func newTestCoordinator(fetcher *fakeFetcher, tracker *fakeTracker, pool *fakePool, thr *throttle.AccountThrottle) *Coordinator {
	proc := NewProcessor(passLocker{}, &fakeGen{}, &fakeMover{}, tracker, nil, time.Minute, nil)
	return NewCoordinator(pool, fetcher, tracker, proc, thr, 10)
}

func TestProcessBatchPagination(t *testing.T) {
	ctx := context.Background()

	t.Run("full page", func(t *testing.T) {
		c := newTestCoordinator(&fakeFetcher{summaries: summaries(25)}, newFakeTracker(), &fakePool{}, nil)
		res, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if !res.HasMore || res.NextOffset != 10 || res.Processed != 10 {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("short page", func(t *testing.T) {
		c := newTestCoordinator(&fakeFetcher{summaries: summaries(4)}, newFakeTracker(), &fakePool{}, nil)
		res, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if res.HasMore || res.NextOffset != 4 || res.Processed != 4 {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("empty page", func(t *testing.T) {
		c := newTestCoordinator(&fakeFetcher{}, newFakeTracker(), &fakePool{}, nil)
		res, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
		if err != nil {
			t.Fatalf("zero messages is not an error: %v", err)
		}
		if res.HasMore || res.Processed != 0 {
			t.Fatalf("result = %+v", res)
		}
	})
}

func TestProcessBatchIdempotentRerun(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	fetcher := &fakeFetcher{summaries: summaries(3)}
	c := newTestCoordinator(fetcher, tracker, &fakePool{}, nil)

	first, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Processed != 3 {
		t.Fatalf("first run processed %d, want 3", first.Processed)
	}

	second, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Processed != 0 {
		t.Fatalf("second unforced run processed %d, want 0", second.Processed)
	}

	forced, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, true)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if forced.Processed != 3 {
		t.Fatalf("forced run processed %d, want 3", forced.Processed)
	}
}

func TestProcessBatchManuallyHandledIsFinal(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	if err := tracker.Record(ctx, "user1", "acct1", "2@acct1", models.ActionManual, "msg 2", "", 2); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	c := newTestCoordinator(&fakeFetcher{summaries: summaries(3)}, tracker, &fakePool{}, nil)

	res, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Processed != 2 {
		t.Fatalf("processed %d, want 2", res.Processed)
	}

	// Even a forced rerun leaves the user's own handling alone.
	forced, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, true)
	if err != nil {
		t.Fatalf("forced batch: %v", err)
	}
	if forced.Processed != 2 {
		t.Fatalf("forced run processed %d, want 2", forced.Processed)
	}
	rec, ok := tracker.get("acct1", "2@acct1")
	if !ok || rec.Action != models.ActionManual {
		t.Fatalf("record = %+v ok=%v, want manually handled intact", rec, ok)
	}
}

func TestProcessBatchSharesOneSession(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{}
	c := newTestCoordinator(&fakeFetcher{summaries: summaries(5)}, newFakeTracker(), pool, nil)

	if _, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if pool.acquires != 1 || pool.releases != 1 {
		t.Fatalf("pool saw %d acquires / %d releases, want 1/1", pool.acquires, pool.releases)
	}
}

func TestProcessBatchThrottled(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	pool := &fakePool{}
	fetcher := &fakeFetcher{summaries: summaries(2)}
	thr := throttle.New(client, 1, 0, time.Minute)
	c := newTestCoordinator(fetcher, newFakeTracker(), pool, thr)

	if _, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	res, err := c.ProcessBatch(ctx, "acct1", "user1", "prov1", 10, 0, false)
	if err != nil {
		t.Fatalf("throttled batch: %v", err)
	}
	if res.Processed != 0 || !res.HasMore || res.NextOffset != 0 {
		t.Fatalf("throttled result = %+v", res)
	}
	// The deferred batch never touched the session pool.
	if pool.acquires != 1 {
		t.Fatalf("pool acquires = %d, want 1", pool.acquires)
	}
	if fetcher.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1", fetcher.listCalls)
	}
}
