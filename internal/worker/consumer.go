package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"mailpilot/internal/control"
	"mailpilot/internal/models"
	"mailpilot/internal/queue"
	"mailpilot/internal/telemetry"
)

// Handler executes one job and returns a serialized result for retention.
type Handler func(ctx context.Context, job models.Job) (string, error)

// Consumer pulls jobs from one queue with bounded concurrency. A job gets
// exactly one attempt: handler errors are terminal and the job lands in the
// failed retention set, never a retry schedule.
type Consumer struct {
	id           string
	queue        *queue.Queue
	ctrl         *control.Manager
	concurrency  int
	pollInterval time.Duration
	handlers     map[string]Handler

	mu           sync.Mutex
	paused       bool
	fleetApplied bool
	inFlight     int
	workCtx      context.Context
	workCancel   context.CancelFunc
	baseCtx      context.Context
}

// NewConsumer builds a consumer over q driven by the control manager.
func NewConsumer(id string, q *queue.Queue, ctrl *control.Manager, concurrency int, pollInterval time.Duration) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Consumer{
		id:           id,
		queue:        q,
		ctrl:         ctrl,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		handlers:     make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (c *Consumer) RegisterHandler(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	c.handlers[jobType] = h
}

// ID identifies this consumer in control-plane status.
func (c *Consumer) ID() string { return c.id + "/" + c.queue.Name() }

// Pause stops pulling new jobs. hard additionally cancels in-flight
// handlers through their context.
func (c *Consumer) Pause(hard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	if hard && c.workCancel != nil {
		c.workCancel()
	}
}

// Resume lifts a pause and re-arms the in-flight context.
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	if c.baseCtx != nil && (c.workCtx == nil || c.workCtx.Err() != nil) {
		c.workCtx, c.workCancel = context.WithCancel(c.baseCtx)
	}
}

// Paused reports the consumer's live flag.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// InFlight reports how many handlers are running right now.
func (c *Consumer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Run consumes until ctx is cancelled. The durable worker toggle is applied
// at startup and watched for the consumer's lifetime, so a pause set by
// another process, including a hard one, lands here without a restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.workCtx, c.workCancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.applyFleetState(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watchFleet(ctx)
	}()
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// watchFleet runs beside the loops so the durable toggle is observed even
// while every loop goroutine is inside a handler. That is what lets a hard
// pause from another process cancel jobs already in flight here.
func (c *Consumer) watchFleet(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollInterval):
			c.applyFleetState(ctx)
		}
	}
}

// applyFleetState reconciles the local flags against the durable toggle. A
// pause applied from the toggle is also lifted by the toggle; a pause set
// through the local control manager stays until that path resumes it.
func (c *Consumer) applyFleetState(ctx context.Context) {
	paused, hard, err := c.ctrl.WorkersPauseState(ctx)
	if err != nil {
		log.Printf("worker %s: read pause toggle: %v", c.ID(), err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if paused {
		c.paused = true
		c.fleetApplied = true
		if hard && c.workCancel != nil {
			c.workCancel()
		}
		return
	}
	if c.fleetApplied {
		c.fleetApplied = false
		c.paused = false
		if c.baseCtx != nil && (c.workCtx == nil || c.workCtx.Err() != nil) {
			c.workCtx, c.workCancel = context.WithCancel(c.baseCtx)
		}
	}
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.Paused() {
			c.sleep(ctx)
			continue
		}

		if depth, err := c.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(c.queue.Name()).Set(float64(depth))
		}

		job, ok, err := c.queue.Dequeue(ctx)
		if err != nil {
			log.Printf("worker %s: dequeue: %v", c.ID(), err)
			c.sleep(ctx)
			continue
		}
		if !ok {
			c.sleep(ctx)
			continue
		}

		c.runJob(ctx, job)
	}
}

func (c *Consumer) runJob(ctx context.Context, job models.Job) {
	c.mu.Lock()
	c.inFlight++
	jobCtx := c.workCtx
	c.mu.Unlock()
	telemetry.InFlightGauge.Inc()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
		telemetry.InFlightGauge.Dec()
	}()

	handler, found := c.handlers[job.Type]
	if !found {
		_ = c.queue.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for type %q", job.Type))
		telemetry.JobsFailed.Inc()
		return
	}

	result, err := handler(jobCtx, job)
	if err != nil {
		// Completion bookkeeping runs on ctx, not jobCtx: a hard pause must
		// not leave the job stuck in the active set.
		if ferr := c.queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			log.Printf("worker %s: mark failed %s: %v", c.ID(), job.ID, ferr)
		}
		telemetry.JobsFailed.Inc()
		return
	}
	if cerr := c.queue.Complete(ctx, job.ID, result); cerr != nil {
		log.Printf("worker %s: mark completed %s: %v", c.ID(), job.ID, cerr)
	}
	telemetry.JobsCompleted.Inc()
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}
