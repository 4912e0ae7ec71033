package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailpilot/internal/models"
	"mailpilot/internal/session"
)

// Client binds the external mailbox/draft gateway service over HTTP. It
// implements the pipeline collaborator interfaces and the session pool; the
// gateway is the process that actually speaks the mailbox protocol and runs
// draft generation, this side only coordinates.
type Client struct {
	base string
	http *http.Client
}

// New builds a gateway client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Acquire opens a mailbox session for the account. The returned handle is
// the gateway's session id.
func (c *Client) Acquire(ctx context.Context, accountID, userID string) (session.Handle, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.call(ctx, http.MethodPost, "/sessions", map[string]any{
		"account_id": accountID,
		"user_id":    userID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", accountID, err)
	}
	return out.SessionID, nil
}

// Release returns the session to the gateway's pool.
func (c *Client) Release(ctx context.Context, h session.Handle, userID, accountID string) error {
	id, _ := h.(string)
	if id == "" {
		return nil
	}
	if err := c.call(ctx, http.MethodDelete, "/sessions/"+id, nil, nil); err != nil {
		return fmt.Errorf("release session %s: %w", accountID, err)
	}
	return nil
}

// Generate composes a draft for the message.
func (c *Client) Generate(ctx context.Context, msg models.Message, accountID, providerID, userID string) (models.Draft, error) {
	var out models.Draft
	err := c.call(ctx, http.MethodPost, "/drafts/generate", map[string]any{
		"account_id":  accountID,
		"provider_id": providerID,
		"user_id":     userID,
		"message":     msg,
	}, &out)
	if err != nil {
		return models.Draft{}, fmt.Errorf("generate draft: %w", err)
	}
	return out, nil
}

// MoveOriginal relocates the message on the account's live session.
func (c *Client) MoveOriginal(ctx context.Context, accountID, userID string, uid int64, sourceFolder, recommendedAction string) (models.Destination, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return models.Destination{}, err
	}
	var out models.Destination
	err = c.call(ctx, http.MethodPost, "/sessions/"+sid+"/move", map[string]any{
		"account_id":    accountID,
		"user_id":       userID,
		"uid":           uid,
		"source_folder": sourceFolder,
		"action":        recommendedAction,
	}, &out)
	if err != nil {
		return models.Destination{}, fmt.Errorf("move uid %d: %w", uid, err)
	}
	return out, nil
}

// UploadDraft appends the composed draft, leaving the original in place.
func (c *Client) UploadDraft(ctx context.Context, accountID, userID string, draft models.Draft) (models.Destination, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return models.Destination{}, err
	}
	var out models.Destination
	err = c.call(ctx, http.MethodPost, "/sessions/"+sid+"/drafts", map[string]any{
		"account_id": accountID,
		"user_id":    userID,
		"draft":      draft,
	}, &out)
	if err != nil {
		return models.Destination{}, fmt.Errorf("upload draft: %w", err)
	}
	return out, nil
}

// ListInbox pages message summaries newest-first.
func (c *Client) ListInbox(ctx context.Context, accountID string, pageSize, offset int) ([]models.MessageSummary, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []models.MessageSummary `json:"messages"`
	}
	path := fmt.Sprintf("/sessions/%s/messages?limit=%d&offset=%d", sid, pageSize, offset)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list inbox %s: %w", accountID, err)
	}
	return out.Messages, nil
}

// FetchMessages bulk-fetches full bodies for the given UIDs.
func (c *Client) FetchMessages(ctx context.Context, accountID string, uids []int64) ([]models.Message, error) {
	sid, err := c.sessionID(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	err = c.call(ctx, http.MethodPost, "/sessions/"+sid+"/fetch", map[string]any{
		"uids": uids,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("fetch bodies %s: %w", accountID, err)
	}
	return out.Messages, nil
}

// Rebuild retrains the reply profile for one account.
func (c *Client) Rebuild(ctx context.Context, userID, accountID string) error {
	err := c.call(ctx, http.MethodPost, "/profiles/rebuild", map[string]any{
		"user_id":    userID,
		"account_id": accountID,
	}, nil)
	if err != nil {
		return fmt.Errorf("rebuild profile %s/%s: %w", userID, accountID, err)
	}
	return nil
}

// sessionID pulls the ambient session for the active connection scope,
// acquiring it on first use. Mailbox operations outside a scope are a
// programming error.
func (c *Client) sessionID(ctx context.Context) (string, error) {
	h, err := session.FromContext(ctx)
	if err != nil {
		return "", err
	}
	id, ok := h.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("unexpected session handle %T", h)
	}
	return id, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
