package control

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeWorker struct {
	id       string
	paused   bool
	hard     bool
	inFlight int
}

func (w *fakeWorker) ID() string      { return w.id }
func (w *fakeWorker) Pause(hard bool) { w.paused = true; w.hard = hard }
func (w *fakeWorker) Resume()         { w.paused = false }
func (w *fakeWorker) Paused() bool    { return w.paused }
func (w *fakeWorker) InFlight() int   { return w.inFlight }

type fakeQueue struct {
	name   string
	depth  int64
	paused bool
}

func (q *fakeQueue) Name() string                         { return q.name }
func (q *fakeQueue) Depth(context.Context) (int64, error) { return q.depth, nil }
func (q *fakeQueue) Paused(context.Context) (bool, error) { return q.paused, nil }

func newTestClients(t *testing.T) (*redis.Client, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	a := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return a, b
}

func TestTogglesDurableAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	clientA, clientB := newTestClients(t)
	mgrA := NewManager(clientA)
	mgrB := NewManager(clientB)

	if err := mgrA.PauseWorkers(ctx, false); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused, err := mgrB.WorkersPaused(ctx); err != nil || !paused {
		t.Fatalf("other process sees paused=%v err=%v, want true", paused, err)
	}

	if err := mgrA.EmergencyPauseQueues(ctx); err != nil {
		t.Fatalf("queue pause: %v", err)
	}
	if paused, err := mgrB.QueuesPaused(ctx); err != nil || !paused {
		t.Fatalf("other process sees queues paused=%v err=%v, want true", paused, err)
	}

	if err := mgrA.ResumeWorkers(ctx); err != nil {
		t.Fatalf("resume workers: %v", err)
	}
	if err := mgrA.ResumeQueues(ctx); err != nil {
		t.Fatalf("resume queues: %v", err)
	}
	if paused, _ := mgrB.WorkersPaused(ctx); paused {
		t.Fatal("workers still paused after resume")
	}
	if paused, _ := mgrB.QueuesPaused(ctx); paused {
		t.Fatal("queues still paused after resume")
	}
}

func TestPauseModeDurableAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	clientA, clientB := newTestClients(t)
	mgrA := NewManager(clientA)
	mgrB := NewManager(clientB)

	if err := mgrA.PauseWorkers(ctx, true); err != nil {
		t.Fatalf("hard pause: %v", err)
	}
	paused, hard, err := mgrB.WorkersPauseState(ctx)
	if err != nil || !paused || !hard {
		t.Fatalf("other process sees paused=%v hard=%v err=%v, want true/true", paused, hard, err)
	}
	st, err := mgrB.Status(ctx)
	if err != nil || !st.WorkersPausedHard {
		t.Fatalf("status hard=%v err=%v, want true", st.WorkersPausedHard, err)
	}

	// A graceful pause overwrites the mode.
	if err := mgrA.PauseWorkers(ctx, false); err != nil {
		t.Fatalf("graceful pause: %v", err)
	}
	if paused, hard, _ = mgrB.WorkersPauseState(ctx); !paused || hard {
		t.Fatalf("after graceful pause: paused=%v hard=%v, want true/false", paused, hard)
	}
}

func TestPauseDrivesRegisteredWorkers(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClients(t)
	mgr := NewManager(client)

	w := &fakeWorker{id: "w1"}
	mgr.RegisterWorker(w)

	if err := mgr.PauseWorkers(ctx, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !w.paused || !w.hard {
		t.Fatalf("worker paused=%v hard=%v, want true/true", w.paused, w.hard)
	}
	if err := mgr.ResumeWorkers(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if w.paused {
		t.Fatal("worker still paused after resume")
	}
}

func TestStatusReportsLiveFlags(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClients(t)
	mgr := NewManager(client)

	// A worker whose live flag drifted from the stored toggle, e.g. crashed
	// before re-applying state after restart.
	mgr.RegisterWorker(&fakeWorker{id: "w1", paused: true, inFlight: 2})
	mgr.RegisterQueue(&fakeQueue{name: "mail", depth: 7})

	st, err := mgr.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.WorkersPaused {
		t.Fatal("stored toggle should read running")
	}
	if len(st.Workers) != 1 || !st.Workers[0].Paused || st.Workers[0].InFlight != 2 {
		t.Fatalf("worker status = %+v", st.Workers)
	}
	if len(st.Queues) != 1 || st.Queues[0].Depth != 7 || st.Queues[0].Paused {
		t.Fatalf("queue status = %+v", st.Queues)
	}
}
