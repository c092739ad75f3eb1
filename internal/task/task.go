package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"remindd/internal/storage"
)

// Task is one todo item. Values returned by Store are copies; mutating them
// has no effect on the store.
type Task struct {
	ID          string
	Title       string
	Notes       string
	Completed   bool
	Important   bool
	ParentID    string
	Reminder    Rule
	ReminderTag string
	LastFiredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// RuleErr is set when the stored rule could not be decoded. Such a task
	// is never due; the raw rule is written back unchanged.
	RuleErr error

	rawRule json.RawMessage
	ruleRev uint64
}

// HasReminder reports whether the task carries a rule, decodable or not.
func (t Task) HasReminder() bool {
	return t.Reminder != nil || len(t.rawRule) > 0
}

// RawReminder returns the encoded rule as it is persisted.
func (t Task) RawReminder() json.RawMessage {
	if t.Reminder != nil {
		raw, err := EncodeRule(t.Reminder)
		if err == nil {
			return raw
		}
	}
	if len(t.rawRule) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), t.rawRule...)
}

func (t Task) clone() Task {
	out := t
	if t.Reminder != nil {
		out.Reminder = t.Reminder.clone()
	}
	out.LastFiredAt = cloneTime(t.LastFiredAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	if t.rawRule != nil {
		out.rawRule = append(json.RawMessage(nil), t.rawRule...)
	}
	return out
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Fields are the caller-supplied values for a new task.
type Fields struct {
	Title       string
	Notes       string
	Important   bool
	ParentID    string
	Reminder    Rule
	ReminderTag string
}

// Patch is a partial update. Nil pointers leave a field unchanged.
// ParentID set to "" detaches the task. SetReminder replaces the rule with
// Reminder (nil removes it) and resets the fire watermark.
type Patch struct {
	Title       *string
	Notes       *string
	Completed   *bool
	Important   *bool
	ParentID    *string
	SetReminder bool
	Reminder    Rule
	ReminderTag *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Notes == nil && p.Completed == nil && p.Important == nil &&
		p.ParentID == nil && !p.SetReminder && p.ReminderTag == nil
}

func normalizeTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	return s, nil
}

func validateRule(r Rule) error {
	if r == nil {
		return nil
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func toRecord(t Task) storage.TaskRecord {
	return storage.TaskRecord{
		ID:          t.ID,
		Title:       t.Title,
		Notes:       t.Notes,
		Completed:   t.Completed,
		Important:   t.Important,
		ParentID:    t.ParentID,
		Reminder:    t.RawReminder(),
		ReminderTag: t.ReminderTag,
		LastFiredAt: cloneTime(t.LastFiredAt),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: cloneTime(t.CompletedAt),
	}
}

func fromRecord(r storage.TaskRecord) Task {
	t := Task{
		ID:          r.ID,
		Title:       r.Title,
		Notes:       r.Notes,
		Completed:   r.Completed,
		Important:   r.Important,
		ParentID:    r.ParentID,
		ReminderTag: r.ReminderTag,
		LastFiredAt: cloneTime(r.LastFiredAt),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: cloneTime(r.CompletedAt),
	}
	rule, err := DecodeRule(r.Reminder)
	if err != nil {
		t.RuleErr = err
		t.rawRule = append(json.RawMessage(nil), r.Reminder...)
		return t
	}
	t.Reminder = rule
	return t
}
