package cron

import (
	"context"
	"time"
)

// JobFunc is the work a job performs when it fires.
type JobFunc func(ctx context.Context) error

// JobState holds runtime state for a job.
type JobState struct {
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	NextRunAt  time.Time `json:"next_run_at,omitzero"`
	LastStatus string    `json:"last_status,omitempty"` // "ok" | "error"
	LastError  string    `json:"last_error,omitempty"`
	Runs       int       `json:"runs"`
}

// Job is a named maintenance task on a cron schedule.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"` // standard 5-field expression or @every/@hourly descriptor
	State    JobState `json:"state"`

	run JobFunc
}
