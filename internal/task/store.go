package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

// Store owns the task collection. Reads are served from memory; every
// mutation is written through to the backing storage.Store before it becomes
// visible, so a failed write leaves the collection unchanged.
type Store struct {
	mu      sync.Mutex
	persist storage.Store
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	newID   func() string

	tasks []Task
	index map[string]int
}

type Option func(*Store)

func WithLogger(l logx.Logger) Option { return func(s *Store) { s.log = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Store) { s.bus = b } }

// WithNow overrides the wall clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides id generation (tests).
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func defaultID() string {
	return uuid.NewString()[:8]
}

// Open loads the collection from persist.
func Open(ctx context.Context, persist storage.Store, opts ...Option) (*Store, error) {
	s := &Store{
		persist: persist,
		log:     logx.Nop(),
		now:     time.Now,
		newID:   defaultID,
	}
	for _, o := range opts {
		o(s)
	}
	recs, err := persist.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrStorageUnavailable, err)
	}
	tasks := make([]Task, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			return nil, fmt.Errorf("load: task without id")
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("load: duplicate task id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		t := fromRecord(r)
		if t.RuleErr != nil {
			s.log.Warn("stored reminder rule is malformed; task will not fire",
				logx.String("task", t.ID), logx.Err(t.RuleErr))
		}
		tasks = append(tasks, t)
	}
	s.setLocked(tasks)
	s.log.Info("task store loaded", logx.Int("tasks", len(tasks)))
	return s, nil
}

func (s *Store) setLocked(tasks []Task) {
	s.tasks = tasks
	s.index = make(map[string]int, len(tasks))
	for i, t := range tasks {
		s.index[t.ID] = i
	}
}

// commitLocked persists next and, on success, swaps it in.
func (s *Store) commitLocked(ctx context.Context, next []Task) error {
	recs := make([]storage.TaskRecord, len(next))
	for i, t := range next {
		recs[i] = toRecord(t)
	}
	if err := s.persist.SaveTasks(ctx, recs); err != nil {
		s.log.Error("persist tasks failed", logx.Err(err))
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	s.setLocked(next)
	return nil
}

func (s *Store) nextIDLocked() string {
	for {
		id := s.newID()
		if _, taken := s.index[id]; !taken && id != "" {
			return id
		}
	}
}

// Create validates f and appends a new task.
func (s *Store) Create(ctx context.Context, f Fields) (Task, error) {
	title, err := normalizeTitle(f.Title)
	if err != nil {
		return Task{}, err
	}
	if err := validateRule(f.Reminder); err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ParentID != "" {
		if _, ok := s.index[f.ParentID]; !ok {
			return Task{}, fmt.Errorf("%w: %s", ErrParentNotFound, f.ParentID)
		}
	}
	now := s.now()
	t := Task{
		ID:          s.nextIDLocked(),
		Title:       title,
		Notes:       f.Notes,
		Important:   f.Important,
		ParentID:    f.ParentID,
		ReminderTag: f.ReminderTag,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if f.Reminder != nil {
		t.Reminder = f.Reminder.clone()
	}
	next := append(slices.Clone(s.tasks), t)
	if err := s.commitLocked(ctx, next); err != nil {
		return Task{}, err
	}
	eventbus.Publish(s.bus, eventbus.TaskCreated, t.ID)
	return t.clone(), nil
}

// Get returns the task with id.
func (s *Store) Get(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.tasks[i].clone(), nil
}

// List returns tasks ordered important-first, then by creation time.
// Completed tasks are omitted unless includeCompleted is set.
func (s *Store) List(_ context.Context, includeCompleted bool) []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Completed && !includeCompleted {
			continue
		}
		out = append(out, t.clone())
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Task) int {
		if a.Important != b.Important {
			if a.Important {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Update applies p to the task with id.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Task, error) {
	if p.Title != nil {
		title, err := normalizeTitle(*p.Title)
		if err != nil {
			return Task{}, err
		}
		p.Title = &title
	}
	if p.SetReminder {
		if err := validateRule(p.Reminder); err != nil {
			return Task{}, err
		}
	}
	return s.mutate(ctx, id, eventbus.TaskUpdated, func(t *Task, now time.Time) error {
		if p.ParentID != nil {
			if err := s.checkParentLocked(id, *p.ParentID); err != nil {
				return err
			}
			t.ParentID = *p.ParentID
		}
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Notes != nil {
			t.Notes = *p.Notes
		}
		if p.Important != nil {
			t.Important = *p.Important
		}
		if p.Completed != nil {
			setCompleted(t, *p.Completed, now)
		}
		if p.ReminderTag != nil {
			t.ReminderTag = *p.ReminderTag
		}
		if p.SetReminder {
			t.Reminder = nil
			if p.Reminder != nil {
				t.Reminder = p.Reminder.clone()
			}
			t.RuleErr = nil
			t.rawRule = nil
			t.LastFiredAt = nil
			t.ruleRev++
		}
		return nil
	})
}

// Complete marks the task done.
func (s *Store) Complete(ctx context.Context, id string) (Task, error) {
	return s.mutate(ctx, id, eventbus.TaskUpdated, func(t *Task, now time.Time) error {
		setCompleted(t, true, now)
		return nil
	})
}

// ToggleImportant flips the important flag.
func (s *Store) ToggleImportant(ctx context.Context, id string) (Task, error) {
	return s.mutate(ctx, id, eventbus.TaskUpdated, func(t *Task, _ time.Time) error {
		t.Important = !t.Important
		return nil
	})
}

// MarkFired records at as the fire watermark of snap's task. The write is
// discarded with ErrRuleChanged when the rule was replaced or the task
// completed after snap was taken.
func (s *Store) MarkFired(ctx context.Context, snap Task, at time.Time) error {
	_, err := s.mutate(ctx, snap.ID, "", func(t *Task, _ time.Time) error {
		if t.ruleRev != snap.ruleRev || t.Completed || t.Reminder == nil {
			return ErrRuleChanged
		}
		v := at
		t.LastFiredAt = &v
		t.UpdatedAt = at
		return nil
	})
	return err
}

func (s *Store) mutate(ctx context.Context, id, event string, fn func(t *Task, now time.Time) error) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	t := s.tasks[i].clone()
	if err := fn(&t, now); err != nil {
		return Task{}, err
	}
	if event != "" {
		t.UpdatedAt = now
	}
	next := slices.Clone(s.tasks)
	next[i] = t
	if err := s.commitLocked(ctx, next); err != nil {
		return Task{}, err
	}
	if event != "" {
		eventbus.Publish(s.bus, event, t.ID)
	}
	return t.clone(), nil
}

// Delete removes the task and all of its descendants. It reports whether
// anything was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := make(map[string][]string, len(s.tasks))
	for _, t := range s.tasks {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t.ID)
		}
	}
	doomed := map[string]struct{}{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := doomed[cur]; seen {
			continue
		}
		doomed[cur] = struct{}{}
		queue = append(queue, children[cur]...)
	}

	next := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if _, drop := doomed[t.ID]; !drop {
			next = append(next, t)
		}
	}
	removed := len(s.tasks) - len(next)
	if removed == 0 {
		return false, nil
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return false, err
	}
	s.log.Debug("tasks deleted", logx.String("root", id), logx.Int("count", removed))
	eventbus.Publish(s.bus, eventbus.TaskDeleted, id)
	return true, nil
}

// Len returns the total number of tasks, completed included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// checkParentLocked rejects unknown parents and links that would make id an
// ancestor of itself. An empty parent always passes.
func (s *Store) checkParentLocked(id, parent string) error {
	if parent == "" {
		return nil
	}
	if parent == id {
		return fmt.Errorf("%w: %s is its own parent", ErrParentCycle, id)
	}
	if _, ok := s.index[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrParentNotFound, parent)
	}
	seen := map[string]struct{}{}
	for cur := parent; cur != ""; {
		if cur == id {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrParentCycle, parent, id)
		}
		if _, loop := seen[cur]; loop {
			break
		}
		seen[cur] = struct{}{}
		i, ok := s.index[cur]
		if !ok {
			break
		}
		cur = s.tasks[i].ParentID
	}
	return nil
}

func setCompleted(t *Task, done bool, now time.Time) {
	if done {
		if !t.Completed || t.CompletedAt == nil {
			at := now
			t.CompletedAt = &at
		}
		t.Completed = true
		return
	}
	t.Completed = false
	t.CompletedAt = nil
}
