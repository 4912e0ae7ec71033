package models

import (
	"fmt"
	"time"
)

// Job lifecycle states persisted in the queue's Redis hashes.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Priority orders dequeueing: lower values dequeue first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps the API's priority names to queue ordering.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Job is a unit of queued work. Every job gets exactly one attempt; a failed
// job stays in the failed retention set until an operator re-enqueues it.
type Job struct {
	ID         string         `json:"id"`
	Queue      string         `json:"queue"`
	Type       string         `json:"type"`
	Priority   Priority       `json:"priority"`
	Payload    map[string]any `json:"payload"`
	State      string         `json:"state"`
	Result     string         `json:"result,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}
