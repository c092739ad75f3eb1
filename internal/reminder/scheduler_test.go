package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/notifier"
	"remindd/internal/storage"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	got   []notifier.Message
	fail  bool
	hook  func(m notifier.Message)
	panic bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, m notifier.Message) notifier.Result {
	if d.panic {
		panic("dispatch exploded")
	}
	if d.hook != nil {
		d.hook(m)
	}
	d.mu.Lock()
	d.got = append(d.got, m)
	d.mu.Unlock()
	if d.fail {
		return notifier.Result{Failed: []string{"tg"}}
	}
	return notifier.Result{Delivered: []string{"log"}}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

type harness struct {
	clock   *FakeClock
	persist storage.Store
	store   *task.Store
	disp    *fakeDispatcher
	svc     *Service
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	h := &harness{clock: NewFakeClock(start), persist: storage.NewMemory(), disp: &fakeDispatcher{}}
	st, err := task.Open(context.Background(), h.persist, task.WithNow(h.clock.Now))
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	h.store = st
	h.svc = New(Config{Enabled: true}, st, h.disp, h.persist, h.clock, logx.Nop(), nil)
	return h
}

func (h *harness) create(t *testing.T, f task.Fields) task.Task {
	t.Helper()
	tk, err := h.store.Create(context.Background(), f)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestRunPassFiresOncePerWindow(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 8, 0))
	ctx := context.Background()
	tk := h.create(t, task.Fields{Title: "stretch", Reminder: task.Daily{Hours: []int{9}}, ReminderTag: "qq"})

	if rep := h.svc.RunPass(ctx); len(rep.Fired) != 0 {
		t.Fatalf("fired before window: %+v", rep)
	}
	h.clock.Set(at(2024, 1, 1, 9, 0))
	rep := h.svc.RunPass(ctx)
	if len(rep.Fired) != 1 || rep.Fired[0].TaskID != tk.ID {
		t.Fatalf("first pass = %+v", rep)
	}
	m := h.disp.got[0]
	if m.Tag != "qq" || m.Title != DefaultTitle || m.Text != "📋 Task reminder: stretch" {
		t.Fatalf("message = %+v", m)
	}

	h.clock.Advance(30 * time.Second)
	if rep := h.svc.RunPass(ctx); len(rep.Fired) != 0 {
		t.Fatalf("fired twice in one hour: %+v", rep)
	}
	h.clock.Set(at(2024, 1, 2, 9, 0))
	if rep := h.svc.RunPass(ctx); len(rep.Fired) != 1 {
		t.Fatalf("next day pass = %+v", rep)
	}

	got, _ := h.store.Get(ctx, tk.ID)
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(at(2024, 1, 2, 9, 0)) {
		t.Fatalf("LastFiredAt = %v", got.LastFiredAt)
	}
	fires, _ := h.persist.RecentFires(ctx, 10)
	if len(fires) != 2 || fires[0].At.Before(fires[1].At) {
		t.Fatalf("fire history = %+v", fires)
	}
}

func TestWatermarkWrittenOnDeliveryFailure(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	h.disp.fail = true
	ctx := context.Background()
	tk := h.create(t, task.Fields{Title: "t", Reminder: task.Daily{Hours: []int{9}}})

	rep := h.svc.RunPass(ctx)
	if len(rep.Fired) != 1 || len(rep.Fired[0].Failed) != 1 {
		t.Fatalf("pass = %+v", rep)
	}
	got, _ := h.store.Get(ctx, tk.ID)
	if got.LastFiredAt == nil {
		t.Fatal("watermark not written after failed delivery")
	}
	if rep := h.svc.RunPass(ctx); len(rep.Fired) != 0 {
		t.Fatal("failed delivery was retried in the same window")
	}
}

func TestOnceFiresOnceThroughLoop(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	ctx := context.Background()
	h.create(t, task.Fields{Title: "t", Reminder: task.Once{At: at(2024, 1, 1, 10, 15)}})

	total := 0
	for i := 0; i < 6; i++ {
		total += len(h.svc.RunPass(ctx).Fired)
		h.clock.Advance(30 * time.Minute)
	}
	if total != 1 {
		t.Fatalf("once fired %d times", total)
	}
}

func TestMalformedTaskDoesNotAbortPass(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(at(2024, 1, 1, 9, 0))
	persist := storage.NewMemory()
	now := clock.Now()
	_ = persist.SaveTasks(ctx, []storage.TaskRecord{
		{ID: "bad", Title: "bad", Reminder: []byte(`{"type":"fortnightly"}`), CreatedAt: now, UpdatedAt: now},
		{ID: "good", Title: "good", Reminder: []byte(`{"type":"daily","hours":[9]}`), CreatedAt: now.Add(time.Second), UpdatedAt: now},
	})
	st, err := task.Open(ctx, persist, task.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	disp := &fakeDispatcher{}
	svc := New(Config{Enabled: true}, st, disp, nil, clock, logx.Nop(), nil)

	rep := svc.RunPass(ctx)
	if rep.Errors != 1 || len(rep.Fired) != 1 || rep.Fired[0].TaskID != "good" {
		t.Fatalf("pass = %+v", rep)
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	h.disp.panic = true
	h.create(t, task.Fields{Title: "a", Reminder: task.Daily{Hours: []int{9}}})
	h.create(t, task.Fields{Title: "b", Reminder: task.Daily{Hours: []int{9}}})

	rep := h.svc.RunPass(context.Background())
	if rep.Errors != 2 {
		t.Fatalf("Errors = %d, want 2", rep.Errors)
	}
}

func TestRuleEditDuringDispatchKeepsReArm(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	ctx := context.Background()
	tk := h.create(t, task.Fields{Title: "t", Reminder: task.Daily{Hours: []int{9}}})

	edited := false
	h.disp.hook = func(notifier.Message) {
		if edited {
			return
		}
		edited = true
		if _, err := h.store.Update(ctx, tk.ID, task.Patch{SetReminder: true, Reminder: task.Daily{Hours: []int{9, 10}}}); err != nil {
			t.Errorf("Update: %v", err)
		}
	}
	h.svc.RunPass(ctx)
	got, _ := h.store.Get(ctx, tk.ID)
	if got.LastFiredAt != nil {
		t.Fatalf("stale watermark overwrote the edit: %v", got.LastFiredAt)
	}
	if rep := h.svc.RunPass(ctx); len(rep.Fired) != 1 {
		t.Fatalf("edited rule did not re-arm: %+v", rep)
	}
}

type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) SaveTasks(ctx context.Context, recs []storage.TaskRecord) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("io error")
	}
	return f.Store.SaveTasks(ctx, recs)
}

func TestStorageFailureEndsPassEarly(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(at(2024, 1, 1, 9, 0))
	fs := &flakyStore{Store: storage.NewMemory()}
	st, _ := task.Open(ctx, fs, task.WithNow(clock.Now))
	for i := 0; i < 3; i++ {
		_, _ = st.Create(ctx, task.Fields{Title: fmt.Sprint(i), Reminder: task.Daily{Hours: []int{9}}})
	}
	disp := &fakeDispatcher{}
	svc := New(Config{Enabled: true}, st, disp, nil, clock, logx.Nop(), nil)

	fs.mu.Lock()
	fs.fail = true
	fs.mu.Unlock()
	rep := svc.RunPass(ctx)
	if !rep.Aborted || len(rep.Fired) != 1 {
		t.Fatalf("pass = %+v", rep)
	}

	fs.mu.Lock()
	fs.fail = false
	fs.mu.Unlock()
	rep = svc.RunPass(ctx)
	if rep.Aborted || len(rep.Fired) != 3 {
		t.Fatalf("retry pass = %+v", rep)
	}
}

func TestCanceledPassContextStillWritesWatermark(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	tk := h.create(t, task.Fields{Title: "t", Reminder: task.Daily{Hours: []int{9}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.disp.hook = func(notifier.Message) { cancel() }
	rep := h.svc.RunPass(ctx)
	if len(rep.Fired) != 1 || rep.Aborted || rep.Errors != 0 {
		t.Fatalf("pass = %+v", rep)
	}
	got, _ := h.store.Get(context.Background(), tk.ID)
	if got.LastFiredAt == nil {
		t.Fatal("watermark not written after caller canceled")
	}

	h.disp.hook = nil
	h.clock.Advance(30 * time.Second)
	if rep := h.svc.RunPass(context.Background()); len(rep.Fired) != 0 {
		t.Fatalf("fired again in the same window: %+v", rep)
	}
	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", h.disp.count())
	}
}

// slowFirstDispatch blocks the first dispatch until release is closed and
// signals entered when it starts.
func slowFirstDispatch(d *fakeDispatcher) (entered, release chan struct{}) {
	entered, release = make(chan struct{}), make(chan struct{})
	var once sync.Once
	d.hook = func(notifier.Message) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	return entered, release
}

func TestStopFinishesInflightTaskAndAbandonsRest(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	first := h.create(t, task.Fields{Title: "a", Reminder: task.Daily{Hours: []int{9}}})
	second := h.create(t, task.Fields{Title: "b", Reminder: task.Daily{Hours: []int{9}}})
	entered, release := slowFirstDispatch(h.disp)

	reports := make(chan PassReport, 1)
	go func() { reports <- h.svc.RunPass(context.Background()) }()
	<-entered

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopped <- h.svc.Stop(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned during dispatch: %v", err)
	default:
	}
	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rep := <-reports
	if len(rep.Fired) != 1 || rep.Abandoned != 1 || rep.Errors != 0 {
		t.Fatalf("pass = %+v", rep)
	}
	if err := h.persist.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	a, _ := h.store.Get(ctx, first.ID)
	b, _ := h.store.Get(ctx, second.ID)
	if a.LastFiredAt == nil {
		t.Fatal("dispatched task has no watermark")
	}
	if b.LastFiredAt != nil || h.disp.count() != 1 {
		t.Fatalf("abandoned task touched: watermark=%v dispatches=%d", b.LastFiredAt, h.disp.count())
	}
}

func TestStopTimeoutIsReported(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	tk := h.create(t, task.Fields{Title: "a", Reminder: task.Daily{Hours: []int{9}}})
	entered, release := slowFirstDispatch(h.disp)

	reports := make(chan PassReport, 1)
	go func() { reports <- h.svc.RunPass(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.svc.Stop(ctx); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop = %v, want ErrStopTimeout", err)
	}
	close(release)
	if rep := <-reports; len(rep.Fired) != 1 || rep.Errors != 0 {
		t.Fatalf("pass = %+v", rep)
	}
	got, _ := h.store.Get(context.Background(), tk.ID)
	if got.LastFiredAt == nil {
		t.Fatal("watermark not written once the pass finished")
	}
}

func TestStartClearsStopFlag(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	h.create(t, task.Fields{Title: "a", Reminder: task.Daily{Hours: []int{9}}})
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rep := h.svc.RunPass(context.Background()); rep.Abandoned != 1 || len(rep.Fired) != 0 {
		t.Fatalf("pass after Stop = %+v", rep)
	}

	h.svc.Start(context.Background())
	defer h.svc.Stop(context.Background())
	if rep := h.svc.RunPass(context.Background()); rep.Abandoned != 0 || len(rep.Fired) != 1 {
		t.Fatalf("pass after restart = %+v", rep)
	}
}

func TestCompletedTasksAreNotEvaluated(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	ctx := context.Background()
	tk := h.create(t, task.Fields{Title: "t", Reminder: task.Daily{Hours: []int{9}}})
	_, _ = h.store.Complete(ctx, tk.ID)
	if rep := h.svc.RunPass(ctx); rep.Evaluated != 0 || len(rep.Fired) != 0 {
		t.Fatalf("pass = %+v", rep)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	h.svc = New(Config{Enabled: true, Interval: time.Second}, h.store, h.disp, nil, h.clock, logx.Nop(), bus)
	h.create(t, task.Fields{Title: "t", Reminder: task.Daily{Hours: []int{9}}})

	h.svc.Start(context.Background())
	deadline := time.After(3 * time.Second)
	for passed := false; !passed; {
		select {
		case e := <-events:
			passed = e.Type == eventbus.PassCompleted
		case <-deadline:
			t.Fatal("no pass within 3s")
		}
	}
	if snap := h.svc.Snapshot(); !snap.Running || snap.Passes == 0 || snap.LastPass == nil {
		t.Fatalf("snapshot = %+v", snap)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.svc.Stop(stopCtx)
	passes := h.svc.Snapshot().Passes
	time.Sleep(1500 * time.Millisecond)
	if got := h.svc.Snapshot().Passes; got != passes {
		t.Fatalf("pass ran after Stop: %d -> %d", passes, got)
	}
	if h.disp.count() != 1 {
		t.Fatalf("dispatched %d, want 1", h.disp.count())
	}
}

func TestApplyDisablesLoop(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	h.svc.Start(context.Background())
	defer h.svc.Stop(context.Background())

	h.svc.Apply(Config{Enabled: false, Interval: time.Second})
	if h.svc.Enabled() {
		t.Fatal("still enabled after Apply")
	}
	if snap := h.svc.Snapshot(); !snap.NextWakeAt.IsZero() {
		t.Fatalf("entry still registered: %+v", snap)
	}
	h.svc.Apply(Config{Enabled: true, Interval: 2 * time.Second, MessageFormat: "no verb"})
	snap := h.svc.Snapshot()
	if snap.Interval != 2*time.Second || snap.NextWakeAt.IsZero() {
		t.Fatalf("snapshot after re-enable = %+v", snap)
	}
}

func TestConcurrentCRUDAndPasses(t *testing.T) {
	h := newHarness(t, at(2024, 1, 1, 9, 0))
	ctx := context.Background()
	const workers, per = 6, 20

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var passWG sync.WaitGroup
	passWG.Add(1)
	go func() {
		defer passWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.svc.RunPass(ctx)
				h.clock.Advance(time.Minute)
			}
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				tk, err := h.store.Create(ctx, task.Fields{Title: fmt.Sprintf("%d-%d", w, i), Reminder: task.Daily{Hours: []int{9, 10, 11}}})
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				title := fmt.Sprintf("%d-%d!", w, i)
				if _, err := h.store.Update(ctx, tk.ID, task.Patch{Title: &title}); err != nil {
					t.Errorf("Update: %v", err)
				}
				if i%4 == 0 {
					if _, err := h.store.Delete(ctx, tk.ID); err != nil {
						t.Errorf("Delete: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	passWG.Wait()

	want := workers * (per - per/4)
	recs, err := h.persist.LoadTasks(ctx)
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(recs) != want || h.store.Len() != want {
		t.Fatalf("persisted=%d memory=%d, want %d", len(recs), h.store.Len(), want)
	}
	for _, r := range recs {
		if r.Title[len(r.Title)-1] != '!' {
			t.Fatalf("lost update on %s: %q", r.ID, r.Title)
		}
	}
}
