package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"remindd/pkg/logx"
)

const snapshotVersion = 2

// fileStore keeps the collection in one JSON document.
//
// Files:
//   - <path>                 snapshot {"version":2,"tasks":[...]}
//   - <prefix>.fires.jsonl   append-only fire history
//
// Saves write <path>.tmp, fsync it and rename over <path>, so readers
// only ever see a complete snapshot.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	path      string
	firesFile *os.File
	firesPath string
}

type fileSnapshot struct {
	Version int          `json:"version"`
	Tasks   []TaskRecord `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	firesPath := filepath.Join(dir, base+".fires.jsonl")

	ff, err := os.OpenFile(firesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, firesFile: ff, firesPath: firesPath}, nil
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firesFile == nil {
		return nil, ErrClosed
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []TaskRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []TaskRecord{}, nil
	}
	tasks, migrated, err := decodeSnapshot(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if migrated {
		s.log.Info("legacy task file migrated in memory; rewritten on next save",
			logx.String("path", s.path), logx.Int("tasks", len(tasks)))
	}
	return tasks, nil
}

func (s *fileStore) SaveTasks(ctx context.Context, tasks []TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tasks == nil {
		tasks = []TaskRecord{}
	}
	b, err := json.MarshalIndent(fileSnapshot{Version: snapshotVersion, Tasks: tasks}, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firesFile == nil {
		return ErrClosed
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) AppendFire(ctx context.Context, e FireEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firesFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.firesFile).Encode(e)
}

func (s *fileStore) RecentFires(ctx context.Context, limit int) ([]FireEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firesFile == nil {
		return nil, ErrClosed
	}
	f, err := os.Open(s.firesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []FireEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e FireEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return newestFirst(all, limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firesFile == nil {
		return nil
	}
	err := s.firesFile.Close()
	s.firesFile = nil
	return err
}

// decodeSnapshot reads the current format or the legacy {"todos":[...]} layout.
func decodeSnapshot(b []byte) ([]TaskRecord, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, false, err
	}
	if raw, ok := probe["tasks"]; ok {
		var tasks []TaskRecord
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, false, err
		}
		if tasks == nil {
			tasks = []TaskRecord{}
		}
		return tasks, false, nil
	}
	if raw, ok := probe["todos"]; ok {
		tasks, err := migrateLegacy(raw)
		return tasks, true, err
	}
	return nil, false, errors.New("unrecognized task snapshot (no tasks or todos key)")
}

type legacyTodo struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Notes          string          `json:"notes"`
	Completed      bool            `json:"completed"`
	Important      bool            `json:"important"`
	ParentID       *string         `json:"parent_id"`
	Remind         json.RawMessage `json:"remind"`
	RemindTag      *string         `json:"remind_tag"`
	LastRemindedAt *string         `json:"last_reminded_at"`
	RemindAt       *string         `json:"remind_at"`
	Reminded       bool            `json:"reminded"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	CompletedAt    *string         `json:"completed_at"`
}

func migrateLegacy(raw json.RawMessage) ([]TaskRecord, error) {
	var todos []legacyTodo
	if err := json.Unmarshal(raw, &todos); err != nil {
		return nil, err
	}
	out := make([]TaskRecord, 0, len(todos))
	for i, t := range todos {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("legacy todo #%d has no id", i)
		}
		r := TaskRecord{
			ID:        t.ID,
			Title:     t.Title,
			Notes:     t.Notes,
			Completed: t.Completed,
			Important: t.Important,
		}
		if t.ParentID != nil {
			r.ParentID = *t.ParentID
		}
		if t.RemindTag != nil {
			r.ReminderTag = *t.RemindTag
		}
		if ts, err := ParseLocalTime(t.CreatedAt); err == nil {
			r.CreatedAt = ts
		}
		if ts, err := ParseLocalTime(t.UpdatedAt); err == nil {
			r.UpdatedAt = ts
		} else {
			r.UpdatedAt = r.CreatedAt
		}
		if t.CompletedAt != nil {
			if ts, err := ParseLocalTime(*t.CompletedAt); err == nil {
				r.CompletedAt = &ts
			}
		}
		if t.LastRemindedAt != nil {
			if ts, err := ParseLocalTime(*t.LastRemindedAt); err == nil {
				r.LastFiredAt = &ts
			}
		}

		switch {
		case len(bytes.TrimSpace(t.Remind)) > 0 && string(bytes.TrimSpace(t.Remind)) != "null":
			r.Reminder = append(json.RawMessage(nil), t.Remind...)
		case t.RemindAt != nil && strings.TrimSpace(*t.RemindAt) != "":
			// Pre-rule format: a bare timestamp plus a "reminded" flag.
			rule, err := json.Marshal(map[string]string{"type": "once", "at": *t.RemindAt})
			if err != nil {
				return nil, err
			}
			r.Reminder = rule
			if t.Reminded && r.LastFiredAt == nil {
				if ts, err := ParseLocalTime(*t.RemindAt); err == nil {
					r.LastFiredAt = &ts
				}
			}
		}
		out = append(out, r)
	}
	return out, nil
}
