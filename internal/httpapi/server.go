// Package httpapi serves the task CRUD surface and reminder controls over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8000"

type Config struct {
	Addr         string
	CORSOrigins  []string
	JWTSecret    string
	JWTIssuer    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pprof mounts net/http/pprof under /debug/pprof/, behind the same auth as /api.
	Pprof bool
}

// TaskStore is the subset of *task.Store served over HTTP.
type TaskStore interface {
	Create(ctx context.Context, f task.Fields) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, includeCompleted bool) []task.Task
	Update(ctx context.Context, id string, p task.Patch) (task.Task, error)
	Complete(ctx context.Context, id string) (task.Task, error)
	ToggleImportant(ctx context.Context, id string) (task.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	Len() int
}

// Reminders exposes the scheduler loop.
type Reminders interface {
	RunPass(ctx context.Context) reminder.PassReport
	Snapshot() reminder.Snapshot
}

// History reads the fire log.
type History interface {
	RecentFires(ctx context.Context, limit int) ([]storage.FireEntry, error)
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	tasks     TaskStore
	reminders Reminders
	history   History
	started   time.Time

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, tasks TaskStore, reminders Reminders, history History, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, tasks: tasks, reminders: reminders, history: history, started: time.Now()}
}

// Handler returns the full handler chain: CORS, then auth for /api routes.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	api := http.NewServeMux()
	api.HandleFunc("GET /api/todo/tasks", s.handleList)
	api.HandleFunc("POST /api/todo/tasks", s.handleCreate)
	api.HandleFunc("GET /api/todo/tasks/{id}", s.handleGet)
	api.HandleFunc("PATCH /api/todo/tasks/{id}", s.handleUpdate)
	api.HandleFunc("DELETE /api/todo/tasks/{id}", s.handleDelete)
	api.HandleFunc("POST /api/todo/tasks/{id}/complete", s.handleComplete)
	api.HandleFunc("POST /api/todo/tasks/{id}/toggle-important", s.handleToggleImportant)
	api.HandleFunc("GET /api/todo/reminders/history", s.handleHistory)
	api.HandleFunc("POST /api/todo/reminders/run", s.handleRun)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/api/", withAuth([]byte(cfg.JWTSecret), cfg.JWTIssuer, api))
	if cfg.Pprof {
		dbg := http.NewServeMux()
		dbg.HandleFunc("/debug/pprof/", hpprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		root.Handle("/debug/pprof/", withAuth([]byte(cfg.JWTSecret), cfg.JWTIssuer, dbg))
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(root)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.JWTSecret == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api on non-loopback addr without jwt_secret (unauthenticated)", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("auth", cfg.JWTSecret != ""))
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
