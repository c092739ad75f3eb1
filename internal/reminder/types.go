package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/eventbus"
	"remindd/internal/notifier"
	"remindd/internal/storage"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

const (
	DefaultInterval      = 30 * time.Second
	MinInterval          = time.Second
	DefaultTitle         = "Task reminder"
	DefaultMessageFormat = "📋 Task reminder: %s"
)

// ErrStopTimeout means Stop returned while a pass was still running.
var ErrStopTimeout = errors.New("reminder pass still running")

// Config controls the scheduler loop.
type Config struct {
	Enabled       bool
	Interval      time.Duration
	Title         string
	MessageFormat string // fmt verb %s receives the task title
}

// TaskSource is the part of the task store the loop needs.
type TaskSource interface {
	List(ctx context.Context, includeCompleted bool) []task.Task
	MarkFired(ctx context.Context, snap task.Task, at time.Time) error
}

// Dispatcher delivers a reminder; failures are reported, never returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, m notifier.Message) notifier.Result
}

// FireLog records fire attempts. Writes are best-effort.
type FireLog interface {
	AppendFire(ctx context.Context, e storage.FireEntry) error
}

// FiredTask is one fire attempt within a pass.
type FiredTask struct {
	TaskID    string   `json:"task_id"`
	Title     string   `json:"title"`
	Tag       string   `json:"tag,omitempty"`
	Delivered []string `json:"delivered"`
	Failed    []string `json:"failed"`
}

// PassReport summarizes one evaluation pass.
type PassReport struct {
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	Evaluated int           `json:"evaluated"`
	Fired     []FiredTask   `json:"fired"`
	Errors    int           `json:"errors"`
	// Aborted is set when a storage failure cut the pass short; the
	// remaining tasks are retried on the next wake.
	Aborted bool `json:"aborted,omitempty"`
	// Abandoned counts tasks left unevaluated because Stop was called
	// mid-pass. None of them were dispatched.
	Abandoned int `json:"abandoned,omitempty"`
}

// Snapshot is the loop state exposed on /health.
type Snapshot struct {
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	Interval   time.Duration `json:"interval"`
	Passes     uint64        `json:"passes"`
	Fired      uint64        `json:"fired"`
	Errors     uint64        `json:"errors"`
	LastPass   *PassReport   `json:"last_pass,omitempty"`
	NextWakeAt time.Time     `json:"next_wake_at,omitempty"`
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock

	source   TaskSource
	dispatch Dispatcher
	fires    FireLog

	c       *cron.Cron
	entryID cron.EntryID
	runCtx  context.Context

	// passMu serializes scheduled and manual passes.
	passMu sync.Mutex
	// stopping makes a running pass skip the tasks it has not reached yet.
	stopping atomic.Bool

	smu        sync.Mutex
	passes     uint64
	firedCount uint64
	errCount   uint64
	lastPass   *PassReport

	wmu      sync.Mutex
	lastWarn map[string]time.Time
}
