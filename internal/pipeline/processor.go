package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mailpilot/internal/lock"
	"mailpilot/internal/models"
	"mailpilot/internal/telemetry"
)

// ErrLockExpired marks processing aborted because the message lock could
// not be kept alive. Callers use it to tell "raced" apart from "broke".
var ErrLockExpired = errors.New("lock expired during processing")

// DraftGenerator composes a reply for an inbound message. External
// collaborator; a failure here is a hard failure with no partial draft.
type DraftGenerator interface {
	Generate(ctx context.Context, msg models.Message, accountID, providerID, userID string) (models.Draft, error)
}

// Mover applies the decided action to the mailbox. MoveOriginal relocates
// the message itself; UploadDraft stores a composed draft and leaves the
// original in place. Both rely on the session scope carried in ctx.
type Mover interface {
	MoveOriginal(ctx context.Context, accountID, userID string, uid int64, sourceFolder, recommendedAction string) (models.Destination, error)
	UploadDraft(ctx context.Context, accountID, userID string, draft models.Draft) (models.Destination, error)
}

// Tracker is the durable action-tracking store.
type Tracker interface {
	Record(ctx context.Context, userID, accountID, messageKey, action, subject, destination string, fallbackUID int64) error
	Reset(ctx context.Context, accountID, messageKey string) error
	GetMany(ctx context.Context, accountID string, messageKeys []string) (map[string]models.TrackingRecord, error)
}

// Archiver persists processed messages for downstream search. Strictly
// best-effort: its failures never fail a result.
type Archiver interface {
	Archive(ctx context.Context, accountID string, msg models.Message, action, destination string) error
}

// Locker grants the per-message exclusive claim.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lost <-chan struct{}) error) (lock.Outcome, error)
}

// Processor runs the per-message state machine: claim the lock, generate a
// draft if none was supplied, write the provisional tracking record, mutate
// the mailbox, finalize tracking, archive. Steps are strictly sequential
// and the lock-loss signal is polled at the two defined checkpoints.
type Processor struct {
	locks    Locker
	gen      DraftGenerator
	mover    Mover
	tracker  Tracker
	archiver Archiver
	lockTTL  time.Duration
	silent   map[string]bool
}

// NewProcessor wires the orchestrator. archiver may be nil. silentActions
// lists the classifications that move the original instead of uploading a
// draft.
func NewProcessor(locks Locker, gen DraftGenerator, mover Mover, tracker Tracker, archiver Archiver, lockTTL time.Duration, silentActions []string) *Processor {
	silent := make(map[string]bool, len(silentActions))
	for _, a := range silentActions {
		silent[a] = true
	}
	return &Processor{
		locks:    locks,
		gen:      gen,
		mover:    mover,
		tracker:  tracker,
		archiver: archiver,
		lockTTL:  lockTTL,
		silent:   silent,
	}
}

// ProcessEmail processes one message and always returns a structured result,
// never an error: failures are folded into the result so batch callers can
// continue with the next message. A lock held elsewhere yields the "skipped"
// action; that is contention, not failure, and the next scheduling cycle
// reclaims the message.
func (p *Processor) ProcessEmail(ctx context.Context, msg models.Message, accountID, userID, providerID string, pre *models.Draft) models.ProcessResult {
	key := msg.TrackingKey(accountID)
	res := models.ProcessResult{MessageKey: key}

	outcome, err := p.locks.WithLock(ctx, lock.MessageKey(accountID, key), p.lockTTL, func(ctx context.Context, lost <-chan struct{}) error {
		return p.runLocked(ctx, lost, msg, key, accountID, userID, providerID, pre, &res)
	})
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		if errors.Is(err, ErrLockExpired) {
			telemetry.LocksExpired.Inc()
			res.Action = models.ActionLockExpired
		} else {
			telemetry.MessagesFailed.Inc()
			res.Action = models.ActionError
		}
		return res
	}
	if !outcome.Acquired {
		telemetry.MessagesSkipped.Inc()
		return models.ProcessResult{MessageKey: key, Action: models.ActionSkipped}
	}

	telemetry.MessagesProcessed.Inc()
	res.Success = true
	return res
}

func (p *Processor) runLocked(ctx context.Context, lost <-chan struct{}, msg models.Message, key, accountID, userID, providerID string, pre *models.Draft, res *models.ProcessResult) error {
	draft := pre
	if draft == nil {
		d, err := p.gen.Generate(ctx, msg, accountID, providerID, userID)
		if err != nil {
			return fmt.Errorf("generate draft: %w", err)
		}
		draft = &d
	}
	action := draft.RecommendedAction
	if action == "" {
		action = "reply"
	}
	res.Action = action

	// Generation can outlive the lock. If a successor already owns the
	// claim, write nothing.
	if lockLost(lost) {
		return ErrLockExpired
	}

	// Provisional write before touching the mailbox: a crash from here on
	// reads as "taken", so an unforced retry skips instead of double-acting.
	if err := p.tracker.Record(ctx, userID, accountID, key, action, msg.Subject, "", msg.UID); err != nil {
		return fmt.Errorf("provisional tracking write: %w", err)
	}

	if lockLost(lost) {
		p.rollback(ctx, accountID, key)
		return ErrLockExpired
	}

	var dest models.Destination
	var err error
	if p.silent[action] {
		dest, err = p.mover.MoveOriginal(ctx, accountID, userID, msg.UID, msg.Folder, action)
		if err == nil {
			res.Moved = true
			telemetry.MessagesMoved.Inc()
		}
	} else {
		dest, err = p.mover.UploadDraft(ctx, accountID, userID, *draft)
		if err == nil {
			telemetry.DraftsUploaded.Inc()
		}
	}
	if err != nil {
		p.rollback(ctx, accountID, key)
		return fmt.Errorf("apply %s: %w", action, err)
	}
	res.Destination = dest.Folder
	res.DisplayName = dest.DisplayName

	// No rollback past this point: the mailbox mutation happened, and the
	// provisional record keeps marking the message as taken.
	if err := p.tracker.Record(ctx, userID, accountID, key, action, msg.Subject, dest.Folder, msg.UID); err != nil {
		return fmt.Errorf("final tracking write: %w", err)
	}

	if p.archiver != nil {
		if err := p.archiver.Archive(ctx, accountID, msg, action, dest.Folder); err != nil {
			log.Printf("pipeline: archive %s/%s: %v", accountID, key, err)
		}
	}
	return nil
}

// rollback resets the tracking record to "none" so the message stays
// eligible for retry. Best effort: a rollback failure is logged and must
// not mask the error that triggered it.
func (p *Processor) rollback(ctx context.Context, accountID, key string) {
	if err := p.tracker.Reset(ctx, accountID, key); err != nil {
		log.Printf("pipeline: rollback %s/%s: %v", accountID, key, err)
	}
}

func lockLost(lost <-chan struct{}) bool {
	select {
	case <-lost:
		return true
	default:
		return false
	}
}
