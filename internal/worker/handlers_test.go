package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mailpilot/internal/models"
	"mailpilot/internal/store"
)

type fakeDirectory struct {
	accounts []store.Account
	err      error
}

func (d *fakeDirectory) AccountsForUser(ctx context.Context, userID string) ([]store.Account, error) {
	return d.accounts, d.err
}

type fakeBuilder struct {
	rebuilt []string
	err     error
}

func (b *fakeBuilder) Rebuild(ctx context.Context, userID, accountID string) error {
	b.rebuilt = append(b.rebuilt, userID+"/"+accountID)
	return b.err
}

func TestRebuildProfilesFansOut(t *testing.T) {
	ctx := context.Background()
	training, _, _ := newTestWorker(t)

	dir := &fakeDirectory{accounts: []store.Account{
		{ID: "acct-1", UserID: "u1"},
		{ID: "acct-2", UserID: "u1"},
		{ID: "acct-3", UserID: "u1"},
	}}
	h := NewHandlers(nil, nil, nil, nil, dir, &fakeBuilder{}, training, models.PriorityHigh)

	result, err := h.RebuildProfiles(ctx, models.Job{
		ID:      "parent",
		Type:    TypeRebuildProfiles,
		Payload: map[string]any{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("fan-out: %v", err)
	}

	var out struct {
		ChildIDs []string `json:"child_ids"`
	}
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(out.ChildIDs) != 3 {
		t.Fatalf("child ids = %d, want 3", len(out.ChildIDs))
	}

	depth, err := training.Depth(ctx)
	if err != nil || depth != 3 {
		t.Fatalf("training depth = %d err = %v, want 3", depth, err)
	}
	for _, id := range out.ChildIDs {
		child, err := training.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("child %s: %v", id, err)
		}
		if child.Type != TypeRebuildProfile {
			t.Fatalf("child type = %s", child.Type)
		}
		if child.Priority != models.PriorityHigh {
			t.Fatalf("child priority = %s, want high", child.Priority)
		}
		if child.Payload["user_id"] != "u1" {
			t.Fatalf("child payload = %v", child.Payload)
		}
	}
}

func TestRebuildProfilesWithAccountDelegates(t *testing.T) {
	ctx := context.Background()
	training, _, _ := newTestWorker(t)

	builder := &fakeBuilder{}
	h := NewHandlers(nil, nil, nil, nil, &fakeDirectory{}, builder, training, models.PriorityHigh)

	_, err := h.RebuildProfiles(ctx, models.Job{
		ID:      "j1",
		Type:    TypeRebuildProfiles,
		Payload: map[string]any{"user_id": "u1", "account_id": "acct-9"},
	})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(builder.rebuilt) != 1 || builder.rebuilt[0] != "u1/acct-9" {
		t.Fatalf("rebuilt = %v", builder.rebuilt)
	}
	if depth, _ := training.Depth(ctx); depth != 0 {
		t.Fatalf("depth = %d, direct rebuild must not enqueue children", depth)
	}
}

func TestRebuildProfilesDirectoryError(t *testing.T) {
	training, _, _ := newTestWorker(t)
	dir := &fakeDirectory{err: errors.New("directory down")}
	h := NewHandlers(nil, nil, nil, nil, dir, &fakeBuilder{}, training, models.PriorityHigh)

	_, err := h.RebuildProfiles(context.Background(), models.Job{
		ID:      "j1",
		Payload: map[string]any{"user_id": "u1"},
	})
	if err == nil {
		t.Fatal("expected error when the directory is unavailable")
	}
}

func TestRebuildProfileRequiresIdentity(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, &fakeDirectory{}, &fakeBuilder{}, nil, models.PriorityHigh)
	if _, err := h.RebuildProfile(context.Background(), models.Job{ID: "j1", Payload: map[string]any{}}); err == nil {
		t.Fatal("expected error for missing account_id/user_id")
	}
}
