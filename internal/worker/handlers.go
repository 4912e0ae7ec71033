package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"mailpilot/internal/models"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/queue"
	"mailpilot/internal/session"
	"mailpilot/internal/store"
)

// Job types consumed by the two planes.
const (
	TypeProcessInbox    = "process_inbox"
	TypeProcessMessage  = "process_message"
	TypeRebuildProfile  = "rebuild_profile"
	TypeRebuildProfiles = "rebuild_profiles"
)

// ProfileBuilder retrains the reply profile for one account. External
// collaborator.
type ProfileBuilder interface {
	Rebuild(ctx context.Context, userID, accountID string) error
}

// AccountDirectory enumerates a user's accounts for fan-out.
type AccountDirectory interface {
	AccountsForUser(ctx context.Context, userID string) ([]store.Account, error)
}

// Handlers bundles the job handlers for both queues.
type Handlers struct {
	coord          *pipeline.Coordinator
	proc           *pipeline.Processor
	fetcher        pipeline.Fetcher
	pool           session.Pool
	directory      AccountDirectory
	builder        ProfileBuilder
	training       *queue.Queue
	fanOutPriority models.Priority
}

func NewHandlers(coord *pipeline.Coordinator, proc *pipeline.Processor, fetcher pipeline.Fetcher, pool session.Pool, directory AccountDirectory, builder ProfileBuilder, training *queue.Queue, fanOutPriority models.Priority) *Handlers {
	return &Handlers{
		coord:          coord,
		proc:           proc,
		fetcher:        fetcher,
		pool:           pool,
		directory:      directory,
		builder:        builder,
		training:       training,
		fanOutPriority: fanOutPriority,
	}
}

// RegisterMail binds the data-plane handlers.
func (h *Handlers) RegisterMail(c *Consumer) {
	c.RegisterHandler(TypeProcessInbox, h.ProcessInbox)
	c.RegisterHandler(TypeProcessMessage, h.ProcessMessage)
}

// RegisterTraining binds the control-plane handlers.
func (h *Handlers) RegisterTraining(c *Consumer) {
	c.RegisterHandler(TypeRebuildProfile, h.RebuildProfile)
	c.RegisterHandler(TypeRebuildProfiles, h.RebuildProfiles)
}

// ProcessInbox runs one batch page for an account.
func (h *Handlers) ProcessInbox(ctx context.Context, job models.Job) (string, error) {
	accountID := payloadString(job, "account_id")
	userID := payloadString(job, "user_id")
	if accountID == "" || userID == "" {
		return "", fmt.Errorf("process_inbox job %s missing account_id/user_id", job.ID)
	}
	res, err := h.coord.ProcessBatch(ctx,
		accountID, userID, payloadString(job, "provider_id"),
		payloadInt(job, "page_size"), payloadInt(job, "offset"),
		payloadBool(job, "force"))
	if err != nil {
		return "", err
	}
	return marshalResult(res)
}

// ProcessMessage fetches one message by UID and runs the orchestrator over
// it inside a fresh connection scope.
func (h *Handlers) ProcessMessage(ctx context.Context, job models.Job) (string, error) {
	accountID := payloadString(job, "account_id")
	userID := payloadString(job, "user_id")
	uid := int64(payloadInt(job, "uid"))
	if accountID == "" || userID == "" || uid == 0 {
		return "", fmt.Errorf("process_message job %s missing account_id/user_id/uid", job.ID)
	}

	var res models.ProcessResult
	err := session.With(ctx, h.pool, accountID, userID, func(ctx context.Context) error {
		msgs, err := h.fetcher.FetchMessages(ctx, accountID, []int64{uid})
		if err != nil {
			return fmt.Errorf("fetch message %d: %w", uid, err)
		}
		if len(msgs) == 0 {
			return fmt.Errorf("message %d not found in %s", uid, accountID)
		}
		res = h.proc.ProcessEmail(ctx, msgs[0], accountID, userID, payloadString(job, "provider_id"), nil)
		return nil
	})
	if err != nil {
		return "", err
	}
	return marshalResult(res)
}

// RebuildProfile retrains one account's profile.
func (h *Handlers) RebuildProfile(ctx context.Context, job models.Job) (string, error) {
	accountID := payloadString(job, "account_id")
	userID := payloadString(job, "user_id")
	if accountID == "" || userID == "" {
		return "", fmt.Errorf("rebuild_profile job %s missing account_id/user_id", job.ID)
	}
	if err := h.builder.Rebuild(ctx, userID, accountID); err != nil {
		return "", fmt.Errorf("rebuild profile %s/%s: %w", userID, accountID, err)
	}
	return marshalResult(map[string]string{"account_id": accountID})
}

// RebuildProfiles is the fan-out job. With a specific account in the
// payload it rebuilds that one directly; without one it enumerates every
// account the user owns and enqueues one elevated-priority child per
// account, returning the child ids as its result.
func (h *Handlers) RebuildProfiles(ctx context.Context, job models.Job) (string, error) {
	userID := payloadString(job, "user_id")
	if userID == "" {
		return "", fmt.Errorf("rebuild_profiles job %s missing user_id", job.ID)
	}
	if accountID := payloadString(job, "account_id"); accountID != "" {
		return h.RebuildProfile(ctx, job)
	}

	accounts, err := h.directory.AccountsForUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("enumerate accounts for %s: %w", userID, err)
	}

	childIDs := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		child, err := h.training.Enqueue(ctx, TypeRebuildProfile, map[string]any{
			"user_id":    userID,
			"account_id": acct.ID,
		}, h.fanOutPriority)
		if err != nil {
			return "", fmt.Errorf("enqueue child for %s: %w", acct.ID, err)
		}
		childIDs = append(childIDs, child.ID)
	}
	return marshalResult(map[string]any{"child_ids": childIDs})
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}

func payloadString(job models.Job, key string) string {
	s, _ := job.Payload[key].(string)
	return s
}

func payloadInt(job models.Job, key string) int {
	switch v := job.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func payloadBool(job models.Job, key string) bool {
	b, _ := job.Payload[key].(bool)
	return b
}
