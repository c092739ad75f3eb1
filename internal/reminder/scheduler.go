package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/eventbus"
	"remindd/internal/notifier"
	"remindd/internal/storage"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

const malformedWarnThrottle = time.Hour

// New builds the scheduler loop. fires may be nil.
func New(cfg Config, source TaskSource, dispatch Dispatcher, fires FireLog, clock Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Service{
		cfg:      normalize(cfg),
		log:      log,
		bus:      bus,
		clock:    clock,
		source:   source,
		dispatch: dispatch,
		fires:    fires,
		lastWarn: map[string]time.Time{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if strings.TrimSpace(cfg.Title) == "" {
		cfg.Title = DefaultTitle
	}
	if !strings.Contains(cfg.MessageFormat, "%s") {
		cfg.MessageFormat = DefaultMessageFormat
	}
	return cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. A running loop is re-registered when the interval
// or enabled flag changes.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if old.Interval != cfg.Interval || old.Enabled != cfg.Enabled {
		s.registerLocked()
	}
}

// Start begins waking every interval. Passes run with a context detached
// from ctx's cancellation so Stop can let the current batch finish.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.stopping.Store(false)
	s.runCtx = context.WithoutCancel(ctx)
	s.c = cron.New(
		cron.WithLocation(time.Local),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.registerLocked()
	s.c.Start()
	s.log.Info("service started", logx.Bool("enabled", s.cfg.Enabled), logx.Duration("interval", s.cfg.Interval))
}

func (s *Service) registerLocked() {
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
		s.entryID = 0
	}
	if !s.cfg.Enabled {
		s.log.Info("reminder loop disabled")
		return
	}
	runCtx := s.runCtx
	s.entryID = s.c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() {
		s.RunPass(runCtx)
	}))
	s.log.Debug("reminder loop registered", logx.Duration("interval", s.cfg.Interval))
}

// Stop prevents new passes and waits (bounded by ctx) for a running pass,
// scheduled or manual, to finish the task it is on. Tasks the pass has not
// reached yet are abandoned undispatched. Stop reports ErrStopTimeout when
// ctx ends first; the caller must then assume a watermark write is pending.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.stopping.Store(true)
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entryID = 0
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.passMu.Lock()
		s.passMu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for reminder pass", logx.Duration("elapsed", time.Since(start)))
		return ErrStopTimeout
	}
	if c != nil {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
	return nil
}

// RunPass evaluates every open task once against the clock and fires the
// due ones. It is the body of each scheduled wake and of manual triggers.
func (s *Service) RunPass(ctx context.Context) PassReport {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	// Dispatch and watermark write are one unit; the caller's cancellation
	// must not split them. Sinks stay bounded by their own timeouts.
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.clock.Now()
	started := time.Now()
	rep := PassReport{At: now, Fired: []FiredTask{}}

	tasks := s.source.List(ctx, false)
	rep.Evaluated = len(tasks)
	for i, t := range tasks {
		if s.stopping.Load() {
			rep.Abandoned = len(tasks) - i
			rep.Evaluated = i
			s.log.Info("reminder pass abandoned on stop", logx.Int("remaining", rep.Abandoned))
			break
		}
		if abort := s.handle(ctx, cfg, t, now, &rep); abort {
			rep.Aborted = true
			break
		}
	}
	rep.Took = time.Since(started)

	s.smu.Lock()
	s.passes++
	s.firedCount += uint64(len(rep.Fired))
	s.errCount += uint64(rep.Errors)
	last := rep
	s.lastPass = &last
	s.smu.Unlock()

	if len(rep.Fired) > 0 || rep.Errors > 0 {
		s.log.Info("reminder pass",
			logx.Int("evaluated", rep.Evaluated),
			logx.Int("fired", len(rep.Fired)),
			logx.Int("errors", rep.Errors),
			logx.Bool("aborted", rep.Aborted),
			logx.Duration("took", rep.Took))
	}
	eventbus.Publish(s.bus, eventbus.PassCompleted, rep)
	return rep
}

// handle evaluates and, if due, fires one task. It reports whether the pass
// should stop because storage is unavailable.
func (s *Service) handle(ctx context.Context, cfg Config, t task.Task, now time.Time, rep *PassReport) (abort bool) {
	defer func() {
		if r := recover(); r != nil {
			rep.Errors++
			s.log.Error("reminder evaluation panic", logx.String("task", t.ID), logx.Any("panic", r))
		}
	}()

	due, err := Evaluate(t, now)
	if err != nil {
		rep.Errors++
		s.warnMalformed(t.ID, err)
		eventbus.Publish(s.bus, eventbus.ReminderSkipped, t.ID)
		return false
	}
	if !due {
		return false
	}

	msg := notifier.Message{
		TaskID: t.ID,
		Tag:    t.ReminderTag,
		Title:  cfg.Title,
		Text:   fmt.Sprintf(cfg.MessageFormat, t.Title),
		At:     now,
	}
	res := s.dispatch.Dispatch(ctx, msg)

	// The watermark is written whatever the delivery outcome.
	err = s.source.MarkFired(ctx, t, now)
	switch {
	case err == nil:
	case errors.Is(err, task.ErrRuleChanged), errors.Is(err, task.ErrNotFound):
		s.log.Debug("watermark discarded", logx.String("task", t.ID), logx.Err(err))
	case errors.Is(err, task.ErrStorageUnavailable):
		rep.Errors++
		s.log.Warn("watermark write failed; ending pass early", logx.String("task", t.ID), logx.Err(err))
		abort = true
	default:
		rep.Errors++
		s.log.Error("watermark write failed", logx.String("task", t.ID), logx.Err(err))
	}

	fired := FiredTask{TaskID: t.ID, Title: t.Title, Tag: t.ReminderTag, Delivered: res.Delivered, Failed: res.Failed}
	rep.Fired = append(rep.Fired, fired)
	s.recordFire(ctx, now, fired)
	eventbus.Publish(s.bus, eventbus.ReminderFired, fired)
	return abort
}

func (s *Service) recordFire(ctx context.Context, at time.Time, f FiredTask) {
	if s.fires == nil {
		return
	}
	err := s.fires.AppendFire(ctx, storage.FireEntry{
		At:        at,
		TaskID:    f.TaskID,
		Title:     f.Title,
		Tag:       f.Tag,
		Delivered: f.Delivered,
		Failed:    f.Failed,
	})
	if err != nil {
		s.log.Warn("fire history append failed", logx.String("task", f.TaskID), logx.Err(err))
	}
}

func (s *Service) warnMalformed(id string, err error) {
	now := time.Now()
	s.wmu.Lock()
	last := s.lastWarn[id]
	if !last.IsZero() && now.Sub(last) < malformedWarnThrottle {
		s.wmu.Unlock()
		return
	}
	s.lastWarn[id] = now
	s.wmu.Unlock()
	s.log.Warn("reminder rule malformed; task skipped", logx.String("task", id), logx.Err(err))
}

// Snapshot returns counters and the last pass report.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Interval: s.cfg.Interval,
	}
	if s.c != nil && s.entryID != 0 {
		snap.NextWakeAt = s.c.Entry(s.entryID).Next
	}
	s.mu.Unlock()

	s.smu.Lock()
	snap.Passes = s.passes
	snap.Fired = s.firedCount
	snap.Errors = s.errCount
	if s.lastPass != nil {
		last := *s.lastPass
		snap.LastPass = &last
	}
	s.smu.Unlock()
	return snap
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
