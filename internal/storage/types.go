package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 keeps the driver default
}

// TaskRecord is the persisted shape of a task. Reminder holds the encoded
// rule verbatim so that a rule this build cannot decode survives a rewrite.
type TaskRecord struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Notes       string          `json:"notes"`
	Completed   bool            `json:"completed"`
	Important   bool            `json:"important"`
	ParentID    string          `json:"parent_id,omitempty"`
	Reminder    json.RawMessage `json:"reminder,omitempty"`
	ReminderTag string          `json:"reminder_tag,omitempty"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// FireEntry records one reminder fire attempt and its per-sink outcome.
type FireEntry struct {
	At        time.Time `json:"at"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Tag       string    `json:"tag,omitempty"`
	Delivered []string  `json:"delivered,omitempty"`
	Failed    []string  `json:"failed,omitempty"`
}

// Store is the persistence API used by the task store and the scheduler.
type Store interface {
	// LoadTasks returns the stored collection in order. A store that has
	// never been written returns an empty collection.
	LoadTasks(ctx context.Context) ([]TaskRecord, error)
	// SaveTasks atomically replaces the whole collection.
	SaveTasks(ctx context.Context, tasks []TaskRecord) error
	AppendFire(ctx context.Context, e FireEntry) error
	// RecentFires returns up to limit entries, newest first.
	RecentFires(ctx context.Context, limit int) ([]FireEntry, error)
	Close() error
}

func cloneRecords(in []TaskRecord) []TaskRecord {
	out := make([]TaskRecord, len(in))
	for i, r := range in {
		out[i] = r
		if r.Reminder != nil {
			out[i].Reminder = append(json.RawMessage(nil), r.Reminder...)
		}
		if r.LastFiredAt != nil {
			t := *r.LastFiredAt
			out[i].LastFiredAt = &t
		}
		if r.CompletedAt != nil {
			t := *r.CompletedAt
			out[i].CompletedAt = &t
		}
	}
	return out
}

func newestFirst(in []FireEntry, limit int) []FireEntry {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]FireEntry, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
