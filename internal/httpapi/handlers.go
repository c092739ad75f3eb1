package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrInvalidInput),
		errors.Is(err, task.ErrInvalidRule),
		errors.Is(err, task.ErrMalformedRule),
		errors.Is(err, task.ErrParentCycle),
		errors.Is(err, task.ErrParentNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", task.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	include := false
	if raw := r.URL.Query().Get("include_completed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: include_completed: %v", task.ErrInvalidInput, err))
			return
		}
		include = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": viewsOf(s.tasks.List(r.Context(), include))})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := task.DecodeRule(req.Reminder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.tasks.Create(r.Context(), task.Fields{
		Title:       req.Title,
		Notes:       req.Notes,
		Important:   req.Important,
		ParentID:    req.ParentID,
		Reminder:    rule,
		ReminderTag: req.ReminderTag,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": viewOf(t)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": viewOf(t)})
}

// parsePatch maps a JSON object onto task.Patch. Keys outside the update
// whitelist are ignored; null clears parent_id, reminder and reminder_tag.
func parsePatch(body map[string]json.RawMessage) (task.Patch, error) {
	var p task.Patch
	isNull := func(raw json.RawMessage) bool { return string(raw) == "null" }
	str := func(key string, raw json.RawMessage) (*string, error) {
		var v string
		if !isNull(raw) {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("%w: %s must be a string", task.ErrInvalidInput, key)
			}
		}
		return &v, nil
	}
	boolean := func(key string, raw json.RawMessage) (*bool, error) {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil || isNull(raw) {
			return nil, fmt.Errorf("%w: %s must be a boolean", task.ErrInvalidInput, key)
		}
		return &v, nil
	}

	var err error
	for key, raw := range body {
		switch key {
		case "title":
			p.Title, err = str(key, raw)
		case "notes":
			p.Notes, err = str(key, raw)
		case "parent_id":
			p.ParentID, err = str(key, raw)
		case "reminder_tag":
			p.ReminderTag, err = str(key, raw)
		case "completed":
			p.Completed, err = boolean(key, raw)
		case "important":
			p.Important, err = boolean(key, raw)
		case "reminder":
			p.SetReminder = true
			p.Reminder, err = task.DecodeRule(raw)
		}
		if err != nil {
			return task.Patch{}, err
		}
	}
	if p.Empty() {
		return task.Patch{}, fmt.Errorf("%w: no updatable fields", task.ErrInvalidInput)
	}
	return p, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := parsePatch(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.tasks.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": viewOf(t)})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tasks.Complete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleToggleImportant(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.ToggleImportant(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": viewOf(t)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.tasks.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !removed {
		s.writeError(w, r, fmt.Errorf("%w: %s", task.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", task.ErrInvalidInput))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries, err := s.history.RecentFires(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", task.ErrStorageUnavailable, err))
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.reminders == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reminder loop not configured"})
		return
	}
	// A client that hangs up must not cut the pass between dispatch and
	// watermark write.
	rep := s.reminders.RunPass(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"report": rep})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"tasks":  s.tasks.Len(),
	}
	if s.reminders != nil {
		out["scheduler"] = s.reminders.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}
