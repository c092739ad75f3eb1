package httpapi

import (
	"encoding/json"
	"time"

	"remindd/internal/task"
)

type taskView struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Notes       string          `json:"notes"`
	Completed   bool            `json:"completed"`
	Important   bool            `json:"important"`
	ParentID    *string         `json:"parent_id"`
	Reminder    json.RawMessage `json:"reminder"`
	ReminderTag string          `json:"reminder_tag"`
	ReminderErr string          `json:"reminder_error,omitempty"`
	LastFiredAt *time.Time      `json:"last_fired_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

func viewOf(t task.Task) taskView {
	v := taskView{
		ID:          t.ID,
		Title:       t.Title,
		Notes:       t.Notes,
		Completed:   t.Completed,
		Important:   t.Important,
		ReminderTag: t.ReminderTag,
		LastFiredAt: t.LastFiredAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
		Reminder:    t.RawReminder(),
	}
	if t.ParentID != "" {
		p := t.ParentID
		v.ParentID = &p
	}
	if len(v.Reminder) == 0 {
		v.Reminder = json.RawMessage("null")
	}
	if t.RuleErr != nil {
		v.ReminderErr = t.RuleErr.Error()
	}
	return v
}

func viewsOf(ts []task.Task) []taskView {
	out := make([]taskView, len(ts))
	for i, t := range ts {
		out[i] = viewOf(t)
	}
	return out
}

type createRequest struct {
	Title       string          `json:"title"`
	Notes       string          `json:"notes"`
	Important   bool            `json:"important"`
	ParentID    string          `json:"parent_id"`
	Reminder    json.RawMessage `json:"reminder"`
	ReminderTag string          `json:"reminder_tag"`
}
