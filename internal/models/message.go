package models

import (
	"fmt"
	"time"
)

// Tracking actions with fixed meaning. Any other action string is a
// classifier recommendation (e.g. "reply", "archive", "spam").
const (
	ActionNone   = "none"
	ActionManual = "manually_handled"
)

// Result-only action values. These appear in ProcessResult, never in a
// tracking record: "skipped" is lock contention, "lock_expired" is a claim
// lost mid-flight, "error" is everything else that failed.
const (
	ActionSkipped     = "skipped"
	ActionLockExpired = "lock_expired"
	ActionError       = "error"
)

// MessageSummary is the lightweight listing entry returned by a page fetch.
type MessageSummary struct {
	Key     string    `json:"key"`
	UID     int64     `json:"uid"`
	Folder  string    `json:"folder"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
}

// Message is a fully fetched inbound message.
type Message struct {
	Key     string    `json:"key"`
	UID     int64     `json:"uid"`
	Folder  string    `json:"folder"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Raw     []byte    `json:"raw,omitempty"`
}

// TrackingKey identifies the message for locking and action tracking. Some
// providers hand out no stable message id; the numeric UID scoped to the
// account is the fallback identity.
func (m Message) TrackingKey(accountID string) string {
	if m.Key != "" {
		return m.Key
	}
	return fmt.Sprintf("%d@%s", m.UID, accountID)
}

// TrackingKey mirrors Message.TrackingKey for listing entries.
func (s MessageSummary) TrackingKey(accountID string) string {
	if s.Key != "" {
		return s.Key
	}
	return fmt.Sprintf("%d@%s", s.UID, accountID)
}

// Draft is the composed reply produced by the draft generator.
type Draft struct {
	ID                string `json:"id"`
	RecommendedAction string `json:"recommended_action"`
	To                string `json:"to"`
	Cc                string `json:"cc,omitempty"`
	Subject           string `json:"subject"`
	Body              string `json:"body"`
	BodyHTML          string `json:"body_html,omitempty"`
	InReplyTo         string `json:"in_reply_to,omitempty"`
	References        string `json:"references,omitempty"`
	Relationship      string `json:"relationship,omitempty"`
}

// Destination reports where a message or draft ended up.
type Destination struct {
	Folder      string `json:"folder"`
	DisplayName string `json:"display_name"`
}

// TrackingRecord is the durable per-(account, message) processing state.
type TrackingRecord struct {
	AccountID   string    `json:"account_id"`
	MessageKey  string    `json:"message_key"`
	Action      string    `json:"action"`
	Destination string    `json:"destination,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	FallbackUID int64     `json:"fallback_uid,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProcessResult is the structured outcome of a single message run. Action is
// one of the result-only values above when the run did not complete;
// otherwise it is the action actually taken.
type ProcessResult struct {
	Success     bool   `json:"success"`
	Action      string `json:"action"`
	MessageKey  string `json:"message_key,omitempty"`
	Destination string `json:"destination,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Moved       bool   `json:"moved"`
	Error       string `json:"error,omitempty"`
}

// BatchResult summarizes one page of batch processing.
type BatchResult struct {
	Processed  int             `json:"processed"`
	Results    []ProcessResult `json:"results"`
	HasMore    bool            `json:"has_more"`
	NextOffset int             `json:"next_offset"`
	ElapsedMs  int64           `json:"elapsed_ms"`
}
