package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"remindd/pkg/logx"
)

// sqlStore implements Store on database/sql. The two dialects differ only
// in placeholders and schema.
type sqlStore struct {
	db          *sql.DB
	log         logx.Logger
	placeholder func(n int) string
}

func (s *sqlStore) q(query string) string {
	if s.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, notes, completed, important, parent_id, reminder,
		reminder_tag, last_fired_at, created_at, updated_at, completed_at FROM tasks ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TaskRecord{}
	for rows.Next() {
		var (
			r                      TaskRecord
			parent, reminder, tag  sql.NullString
			lastFired, completedAt sql.NullString
			createdAt, updatedAt   string
			completed, important   bool
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Notes, &completed, &important, &parent, &reminder,
			&tag, &lastFired, &createdAt, &updatedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Completed = completed
		r.Important = important
		r.ParentID = parent.String
		r.ReminderTag = tag.String
		if reminder.Valid && reminder.String != "" {
			r.Reminder = json.RawMessage(reminder.String)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("task %s: created_at: %w", r.ID, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("task %s: updated_at: %w", r.ID, err)
		}
		if r.LastFiredAt, err = parseNullTime(lastFired); err != nil {
			return nil, fmt.Errorf("task %s: last_fired_at: %w", r.ID, err)
		}
		if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("task %s: completed_at: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveTasks(ctx context.Context, tasks []TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO tasks(position, id, title, notes, completed, important,
		parent_id, reminder, reminder_tag, last_fired_at, created_at, updated_at, completed_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range tasks {
		if _, err := stmt.ExecContext(ctx, i, r.ID, r.Title, r.Notes, r.Completed, r.Important,
			nullStr(r.ParentID), nullStr(string(r.Reminder)), nullStr(r.ReminderTag), formatNullTime(r.LastFiredAt),
			r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano), formatNullTime(r.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) AppendFire(ctx context.Context, e FireEntry) error {
	delivered, _ := json.Marshal(e.Delivered)
	failed, _ := json.Marshal(e.Failed)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO fires(at, task_id, title, tag, delivered, failed) VALUES(?,?,?,?,?,?)`),
		e.At.Format(time.RFC3339Nano), e.TaskID, e.Title, e.Tag, string(delivered), string(failed))
	return err
}

func (s *sqlStore) RecentFires(ctx context.Context, limit int) ([]FireEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT at, task_id, title, tag, delivered, failed FROM fires ORDER BY seq DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FireEntry
	for rows.Next() {
		var (
			e                 FireEntry
			at                string
			delivered, failed string
		)
		if err := rows.Scan(&at, &e.TaskID, &e.Title, &e.Tag, &delivered, &failed); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(delivered), &e.Delivered)
		_ = json.Unmarshal([]byte(failed), &e.Failed)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
