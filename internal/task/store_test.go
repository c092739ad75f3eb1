package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/storage"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type failingStore struct {
	storage.Store
	fail bool
}

func (f *failingStore) SaveTasks(ctx context.Context, tasks []storage.TaskRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.SaveTasks(ctx, tasks)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, storage.Store) {
	t.Helper()
	persist := storage.NewMemory()
	clk := &stepClock{now: time.Date(2025, 1, 1, 8, 0, 0, 0, time.Local)}
	all := append([]Option{WithNow(clk.Now)}, opts...)
	s, err := Open(context.Background(), persist, all...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, persist
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestCreateAndGet(t *testing.T) {
	s, persist := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, Fields{Title: "  buy milk ", Reminder: Daily{Hours: []int{9}}, ReminderTag: "qq"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Title != "buy milk" {
		t.Fatalf("title = %q, want trimmed", created.Title)
	}
	if len(created.ID) != 8 {
		t.Fatalf("id = %q, want 8 chars", created.ID)
	}
	if created.Completed || created.LastFiredAt != nil || created.CompletedAt != nil {
		t.Fatalf("unexpected initial state: %+v", created)
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ReminderTag != "qq" || got.Reminder.Kind() != KindDaily {
		t.Fatalf("Get = %+v", got)
	}

	recs, _ := persist.LoadTasks(ctx)
	if len(recs) != 1 || recs[0].ID != created.ID {
		t.Fatalf("persisted = %+v", recs)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, Fields{Title: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank title err = %v", err)
	}
	if _, err := s.Create(ctx, Fields{Title: "x", Reminder: Daily{Hours: []int{25}}}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("bad rule err = %v", err)
	}
	if _, err := s.Create(ctx, Fields{Title: "x", ParentID: "nope"}); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("unknown parent err = %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, Fields{Title: "a"})
	b, _ := s.Create(ctx, Fields{Title: "b", Important: true})
	c, _ := s.Create(ctx, Fields{Title: "c"})
	d, _ := s.Create(ctx, Fields{Title: "d", Important: true})
	if _, err := s.Complete(ctx, c.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ids := func(ts []Task) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = t.ID
		}
		return out
	}
	open := ids(s.List(ctx, false))
	want := []string{b.ID, d.ID, a.ID}
	if fmt.Sprint(open) != fmt.Sprint(want) {
		t.Fatalf("List(false) = %v, want %v", open, want)
	}
	all := ids(s.List(ctx, true))
	want = []string{b.ID, d.ID, a.ID, c.ID}
	if fmt.Sprint(all) != fmt.Sprint(want) {
		t.Fatalf("List(true) = %v, want %v", all, want)
	}
}

func TestUpdateWhitelistAndReminderReset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tk, _ := s.Create(ctx, Fields{Title: "t", Reminder: Daily{Hours: []int{9}}})

	snap, _ := s.Get(ctx, tk.ID)
	fired := time.Date(2025, 1, 1, 9, 5, 0, 0, time.Local)
	if err := s.MarkFired(ctx, snap, fired); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(fired) {
		t.Fatalf("LastFiredAt = %v, want %v", got.LastFiredAt, fired)
	}

	// Editing only the title keeps the watermark.
	got, err := s.Update(ctx, tk.ID, Patch{Title: strPtr("renamed"), Notes: strPtr("n")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.LastFiredAt == nil || got.Title != "renamed" || got.Notes != "n" {
		t.Fatalf("after title edit: %+v", got)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatalf("UpdatedAt not bumped: %v <= %v", got.UpdatedAt, got.CreatedAt)
	}

	// Replacing the rule clears it.
	got, err = s.Update(ctx, tk.ID, Patch{SetReminder: true, Reminder: Weekly{Weekdays: []int{1}, Hour: 9}})
	if err != nil {
		t.Fatalf("Update reminder: %v", err)
	}
	if got.LastFiredAt != nil || got.Reminder.Kind() != KindWeekly {
		t.Fatalf("after rule edit: %+v", got)
	}

	// Removing the rule.
	got, _ = s.Update(ctx, tk.ID, Patch{SetReminder: true})
	if got.HasReminder() {
		t.Fatalf("reminder should be removed: %+v", got)
	}

	if _, err := s.Update(ctx, tk.ID, Patch{Title: strPtr("")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty title err = %v", err)
	}
	if _, err := s.Update(ctx, "missing", Patch{Notes: strPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestCompleteAndReopen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tk, _ := s.Create(ctx, Fields{Title: "t"})

	done, err := s.Complete(ctx, tk.ID)
	if err != nil || !done.Completed || done.CompletedAt == nil {
		t.Fatalf("Complete = %+v, %v", done, err)
	}
	again, _ := s.Complete(ctx, tk.ID)
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatalf("second Complete moved CompletedAt")
	}
	reopened, _ := s.Update(ctx, tk.ID, Patch{Completed: boolPtr(false)})
	if reopened.Completed || reopened.CompletedAt != nil {
		t.Fatalf("reopen = %+v", reopened)
	}
}

func TestToggleImportant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tk, _ := s.Create(ctx, Fields{Title: "t"})
	got, _ := s.ToggleImportant(ctx, tk.ID)
	if !got.Important {
		t.Fatal("expected important after first toggle")
	}
	got, _ = s.ToggleImportant(ctx, tk.ID)
	if got.Important {
		t.Fatal("expected not important after second toggle")
	}
}

func TestDeleteCascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.Create(ctx, Fields{Title: "root"})
	child, _ := s.Create(ctx, Fields{Title: "child", ParentID: root.ID})
	_, _ = s.Create(ctx, Fields{Title: "grandchild", ParentID: child.ID})
	other, _ := s.Create(ctx, Fields{Title: "other"})

	removed, err := s.Delete(ctx, root.ID)
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if _, err := s.Get(ctx, other.ID); err != nil {
		t.Fatalf("unrelated task removed: %v", err)
	}
	removed, err = s.Delete(ctx, root.ID)
	if err != nil || removed {
		t.Fatalf("second Delete = %v, %v; want false, nil", removed, err)
	}
}

func TestParentCycleRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, Fields{Title: "a"})
	b, _ := s.Create(ctx, Fields{Title: "b", ParentID: a.ID})
	c, _ := s.Create(ctx, Fields{Title: "c", ParentID: b.ID})

	if _, err := s.Update(ctx, a.ID, Patch{ParentID: strPtr(c.ID)}); !errors.Is(err, ErrParentCycle) {
		t.Fatalf("cycle err = %v", err)
	}
	if _, err := s.Update(ctx, a.ID, Patch{ParentID: strPtr(a.ID)}); !errors.Is(err, ErrParentCycle) {
		t.Fatalf("self parent err = %v", err)
	}
	got, err := s.Update(ctx, c.ID, Patch{ParentID: strPtr("")})
	if err != nil || got.ParentID != "" {
		t.Fatalf("detach = %+v, %v", got, err)
	}
}

func TestMarkFiredDiscardedAfterRuleEdit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tk, _ := s.Create(ctx, Fields{Title: "t", Reminder: Daily{Hours: []int{9}}})
	snap, _ := s.Get(ctx, tk.ID)

	if _, err := s.Update(ctx, tk.ID, Patch{SetReminder: true, Reminder: Daily{Hours: []int{10}}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.MarkFired(ctx, snap, time.Now()); !errors.Is(err, ErrRuleChanged) {
		t.Fatalf("MarkFired err = %v, want ErrRuleChanged", err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.LastFiredAt != nil {
		t.Fatalf("stale watermark written: %v", got.LastFiredAt)
	}
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	fs := &failingStore{Store: storage.NewMemory()}
	s, err := Open(context.Background(), fs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	tk, _ := s.Create(ctx, Fields{Title: "keep"})

	fs.fail = true
	if _, err := s.Create(ctx, Fields{Title: "lost"}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Create err = %v", err)
	}
	if _, err := s.Update(ctx, tk.ID, Patch{Title: strPtr("changed")}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Update err = %v", err)
	}
	if _, err := s.Delete(ctx, tk.ID); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Delete err = %v", err)
	}
	got, err := s.Get(ctx, tk.ID)
	if err != nil || got.Title != "keep" || s.Len() != 1 {
		t.Fatalf("state changed after failed writes: %+v, %v, len=%d", got, err, s.Len())
	}
}

func TestMalformedStoredRulePreserved(t *testing.T) {
	ctx := context.Background()
	persist := storage.NewMemory()
	raw := json.RawMessage(`{"type":"hourly","every":2}`)
	now := time.Now()
	if err := persist.SaveTasks(ctx, []storage.TaskRecord{{ID: "abc", Title: "t", Reminder: raw, CreatedAt: now, UpdatedAt: now}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := Open(ctx, persist)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := s.Get(ctx, "abc")
	if !errors.Is(got.RuleErr, ErrMalformedRule) || got.Reminder != nil || !got.HasReminder() {
		t.Fatalf("malformed task = %+v", got)
	}
	if _, err := s.Update(ctx, "abc", Patch{Notes: strPtr("n")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	recs, _ := persist.LoadTasks(ctx)
	if string(recs[0].Reminder) != string(raw) {
		t.Fatalf("raw rule rewritten: %s", recs[0].Reminder)
	}
}

func TestOpenRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	persist := storage.NewMemory()
	_ = persist.SaveTasks(ctx, []storage.TaskRecord{{ID: "a", Title: "1"}, {ID: "a", Title: "2"}})
	if _, err := Open(ctx, persist); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestIDCollisionRegenerates(t *testing.T) {
	ids := []string{"same", "same", "other"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	s, _ := newTestStore(t, WithIDGenerator(gen))
	ctx := context.Background()
	a, _ := s.Create(ctx, Fields{Title: "a"})
	b, _ := s.Create(ctx, Fields{Title: "b"})
	if a.ID != "same" || b.ID != "other" {
		t.Fatalf("ids = %s, %s", a.ID, b.ID)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	s, _ := newTestStore(t, WithBus(bus))
	ctx := context.Background()
	tk, _ := s.Create(ctx, Fields{Title: "t"})
	_, _ = s.ToggleImportant(ctx, tk.ID)
	_, _ = s.Delete(ctx, tk.ID)

	want := []string{eventbus.TaskCreated, eventbus.TaskUpdated, eventbus.TaskDeleted}
	for _, w := range want {
		select {
		case e := <-ch:
			if e.Type != w || e.Data != tk.ID {
				t.Fatalf("event = %+v, want %s for %s", e, w, tk.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestConcurrentMutations(t *testing.T) {
	s, persist := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	const workers, per = 8, 25
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				tk, err := s.Create(ctx, Fields{Title: fmt.Sprintf("w%d-%d", w, i)})
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				if i%2 == 0 {
					if _, err := s.ToggleImportant(ctx, tk.ID); err != nil {
						t.Errorf("Toggle: %v", err)
					}
				}
				_ = s.List(ctx, true)
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != workers*per {
		t.Fatalf("Len = %d, want %d", s.Len(), workers*per)
	}
	recs, _ := persist.LoadTasks(ctx)
	if len(recs) != workers*per {
		t.Fatalf("persisted %d, want %d", len(recs), workers*per)
	}
	seen := map[string]bool{}
	for _, r := range recs {
		if seen[r.ID] {
			t.Fatalf("duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}
}
