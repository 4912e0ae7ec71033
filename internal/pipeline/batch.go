package pipeline

import (
	"context"
	"fmt"
	"time"

	"mailpilot/internal/models"
	"mailpilot/internal/session"
	"mailpilot/internal/telemetry"
	"mailpilot/internal/throttle"
)

// Fetcher reads message listings and bodies through the session scope
// carried in ctx.
type Fetcher interface {
	ListInbox(ctx context.Context, accountID string, pageSize, offset int) ([]models.MessageSummary, error)
	FetchMessages(ctx context.Context, accountID string, uids []int64) ([]models.Message, error)
}

// Coordinator drives the orchestrator over one page of an account's inbox.
// The whole page runs inside one connection scope so the listing, the bulk
// body fetch, and every nested mailbox mutation share a single session.
type Coordinator struct {
	pool     session.Pool
	fetcher  Fetcher
	tracker  Tracker
	proc     *Processor
	throttle *throttle.AccountThrottle
	pageSize int
}

// NewCoordinator wires the batch coordinator. throttle may be nil.
func NewCoordinator(pool session.Pool, fetcher Fetcher, tracker Tracker, proc *Processor, thr *throttle.AccountThrottle, defaultPageSize int) *Coordinator {
	if defaultPageSize <= 0 {
		defaultPageSize = 10
	}
	return &Coordinator{
		pool:     pool,
		fetcher:  fetcher,
		tracker:  tracker,
		proc:     proc,
		throttle: thr,
		pageSize: defaultPageSize,
	}
}

// ProcessBatch fetches a page of messages newest-first at offset and runs
// the orchestrator over each one not yet handled. Zero fetched messages is
// a normal result. Per-message failures land in Results and the batch moves
// on; only the page fetch itself propagates as an error.
func (c *Coordinator) ProcessBatch(ctx context.Context, accountID, userID, providerID string, pageSize, offset int, force bool) (models.BatchResult, error) {
	start := time.Now()
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	res := models.BatchResult{NextOffset: offset}

	if c.throttle != nil {
		allowed, _, err := c.throttle.Allow(ctx, accountID)
		if err != nil {
			return res, fmt.Errorf("throttle %s: %w", accountID, err)
		}
		if !allowed {
			// Defer without consuming the offset; the scheduler retries the
			// same page once the bucket refills.
			telemetry.ThrottleRejects.Inc()
			res.HasMore = true
			res.ElapsedMs = time.Since(start).Milliseconds()
			return res, nil
		}
	}

	err := session.With(ctx, c.pool, accountID, userID, func(ctx context.Context) error {
		summaries, err := c.fetcher.ListInbox(ctx, accountID, pageSize, offset)
		if err != nil {
			return fmt.Errorf("list inbox %s: %w", accountID, err)
		}
		res.HasMore = len(summaries) == pageSize
		res.NextOffset = offset + len(summaries)
		if len(summaries) == 0 {
			return nil
		}

		uids := make([]int64, 0, len(summaries))
		keys := make([]string, 0, len(summaries))
		for _, s := range summaries {
			uids = append(uids, s.UID)
			keys = append(keys, s.TrackingKey(accountID))
		}

		messages, err := c.fetcher.FetchMessages(ctx, accountID, uids)
		if err != nil {
			return fmt.Errorf("fetch bodies %s: %w", accountID, err)
		}

		records, err := c.tracker.GetMany(ctx, accountID, keys)
		if err != nil {
			return fmt.Errorf("tracking lookup %s: %w", accountID, err)
		}

		// Sequential on purpose: every nested operation shares this scope's
		// single session, so concurrency would only interleave session state.
		for _, msg := range messages {
			key := msg.TrackingKey(accountID)
			if rec, ok := records[key]; ok {
				// A record the user handled by hand is final; force does not
				// override it.
				if rec.Action == models.ActionManual {
					continue
				}
				if !force && rec.Action != models.ActionNone {
					continue
				}
			}
			r := c.proc.ProcessEmail(ctx, msg, accountID, userID, providerID, nil)
			res.Results = append(res.Results, r)
			res.Processed++
		}
		return nil
	})

	res.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		return res, err
	}
	return res, nil
}
