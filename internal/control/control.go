package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Durable toggle keys shared by every process in the fleet. Presence of the
// key means paused; absence means running. The worker toggle's value carries
// the pause mode so a hard pause issued in one process cancels in-flight
// jobs in every other process.
const (
	WorkersPausedKey = "ctl:workers:paused"
	QueuesPausedKey  = "ctl:queues:paused"

	pauseGraceful = "graceful"
	pauseHard     = "hard"
)

// Worker is the consumer surface the control plane drives. Pause(hard)
// either drains in-flight jobs (graceful) or cuts them immediately.
type Worker interface {
	ID() string
	Pause(hard bool)
	Resume()
	Paused() bool
	InFlight() int
}

// QueueInfo exposes the live queue flags for status reporting.
type QueueInfo interface {
	Name() string
	Depth(ctx context.Context) (int64, error)
	Paused(ctx context.Context) (bool, error)
}

// Manager owns the fleet-wide pause toggles. The toggles live in Redis so
// every worker and API process observes the same state without restart;
// in-process worker handles are registered so a pause lands immediately on
// local consumers rather than waiting for their next poll.
type Manager struct {
	client *redis.Client

	mu      sync.Mutex
	workers []Worker
	queues  []QueueInfo
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// RegisterWorker attaches a local consumer to the control plane.
func (m *Manager) RegisterWorker(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// RegisterQueue attaches a queue for status reporting.
func (m *Manager) RegisterQueue(q QueueInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append(m.queues, q)
}

// WorkersPaused reads the durable worker toggle.
func (m *Manager) WorkersPaused(ctx context.Context) (bool, error) {
	paused, _, err := m.WorkersPauseState(ctx)
	return paused, err
}

// WorkersPauseState reads the durable worker toggle and its mode. Consumers
// poll this so a pause set by any process, hard or graceful, lands on every
// worker in the fleet.
func (m *Manager) WorkersPauseState(ctx context.Context) (paused, hard bool, err error) {
	v, err := m.client.Get(ctx, WorkersPausedKey).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read worker toggle: %w", err)
	}
	return true, v == pauseHard, nil
}

// QueuesPaused reads the durable emergency toggle.
func (m *Manager) QueuesPaused(ctx context.Context) (bool, error) {
	n, err := m.client.Exists(ctx, QueuesPausedKey).Result()
	if err != nil {
		return false, fmt.Errorf("read queue toggle: %w", err)
	}
	return n > 0, nil
}

// PauseWorkers stops consumers from pulling new jobs. hard additionally
// cancels in-flight jobs, for fan-out storms or shutdown. The mode is stored
// in the toggle value, so remote consumers pick it up on their next poll;
// locally registered workers are driven immediately. Idempotent.
func (m *Manager) PauseWorkers(ctx context.Context, hard bool) error {
	mode := pauseGraceful
	if hard {
		mode = pauseHard
	}
	if err := m.client.Set(ctx, WorkersPausedKey, mode, 0).Err(); err != nil {
		return fmt.Errorf("set worker toggle: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.Pause(hard)
	}
	return nil
}

// ResumeWorkers clears the toggle and resumes local consumers.
func (m *Manager) ResumeWorkers(ctx context.Context) error {
	if err := m.client.Del(ctx, WorkersPausedKey).Err(); err != nil {
		return fmt.Errorf("clear worker toggle: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.Resume()
	}
	return nil
}

// EmergencyPauseQueues halts job dispatch fleet-wide: the dequeue script
// checks the toggle, so no consumer anywhere receives a job while it is set.
func (m *Manager) EmergencyPauseQueues(ctx context.Context) error {
	if err := m.client.Set(ctx, QueuesPausedKey, "1", 0).Err(); err != nil {
		return fmt.Errorf("set queue toggle: %w", err)
	}
	return nil
}

// ResumeQueues lifts the emergency pause.
func (m *Manager) ResumeQueues(ctx context.Context) error {
	if err := m.client.Del(ctx, QueuesPausedKey).Err(); err != nil {
		return fmt.Errorf("clear queue toggle: %w", err)
	}
	return nil
}

// WorkerStatus is one consumer's live state.
type WorkerStatus struct {
	ID       string `json:"id"`
	Paused   bool   `json:"paused"`
	InFlight int    `json:"in_flight"`
}

// QueueStatus is one queue's live state.
type QueueStatus struct {
	Name   string `json:"name"`
	Depth  int64  `json:"depth"`
	Paused bool   `json:"paused"`
}

// Status is the fleet snapshot returned by the status endpoint.
type Status struct {
	WorkersPaused     bool           `json:"workers_paused"`
	WorkersPausedHard bool           `json:"workers_paused_hard"`
	QueuesPaused      bool           `json:"queues_paused"`
	Workers           []WorkerStatus `json:"workers"`
	Queues            []QueueStatus  `json:"queues"`
}

// Status reports the stored toggles alongside each registered worker's and
// queue's actual flags, queried live. The two can drift (a worker may have
// crashed before re-applying stored state), so callers get both.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.WorkersPaused, st.WorkersPausedHard, err = m.WorkersPauseState(ctx); err != nil {
		return st, err
	}
	if st.QueuesPaused, err = m.QueuesPaused(ctx); err != nil {
		return st, err
	}

	m.mu.Lock()
	workers := append([]Worker(nil), m.workers...)
	queues := append([]QueueInfo(nil), m.queues...)
	m.mu.Unlock()

	for _, w := range workers {
		st.Workers = append(st.Workers, WorkerStatus{ID: w.ID(), Paused: w.Paused(), InFlight: w.InFlight()})
	}
	for _, q := range queues {
		qs := QueueStatus{Name: q.Name()}
		if qs.Depth, err = q.Depth(ctx); err != nil {
			return st, err
		}
		if qs.Paused, err = q.Paused(ctx); err != nil {
			return st, err
		}
		st.Queues = append(st.Queues, qs)
	}
	return st, nil
}
