package notifier

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindd/internal/eventbus"
	"remindd/internal/transport"
	logx "remindd/pkg/logx"
)

const defaultTimeout = 10 * time.Second

type route struct {
	sink      Sink
	tags      map[string]struct{}
	wildcard  bool
	isDefault bool
	limiter   *rate.Limiter
}

// Dispatcher fans a Message out to the sinks routed for its tag.
//
// It is safe for concurrent use; Apply may swap the routing table while
// dispatches are in flight.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	routes   []route
	fallback Sink

	smu    sync.RWMutex
	sender transport.Sender

	log    logx.Logger
	bus    eventbus.Bus
	client *http.Client
}

// New builds a dispatcher from cfg. Telegram sinks stay unusable until
// SetSender provides a transport.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Dispatcher, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:    log,
		bus:    bus,
		client: &http.Client{},
	}
	d.fallback = newLogSink("log", log)
	if err := d.Apply(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSender wires the transport used by telegram sinks.
func (d *Dispatcher) SetSender(s transport.Sender) {
	d.smu.Lock()
	d.sender = s
	d.smu.Unlock()
}

func (d *Dispatcher) currentSender() transport.Sender {
	d.smu.RLock()
	defer d.smu.RUnlock()
	return d.sender
}

// Apply rebuilds the routing table. On error the previous table stays active.
func (d *Dispatcher) Apply(cfg Config) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	routes := make([]route, 0, len(cfg.Sinks))
	seen := map[string]struct{}{}
	for _, sc := range cfg.Sinks {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = sc.Kind
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSink, name)
		}
		seen[name] = struct{}{}
		sc.Name = name
		sink, err := d.buildSink(sc)
		if err != nil {
			return fmt.Errorf("sink %s: %w", name, err)
		}
		routes = append(routes, newRoute(sink, sc.Tags, sc.Default, sc.RatePerSec))
	}

	d.mu.Lock()
	d.cfg = cfg
	d.routes = routes
	d.mu.Unlock()
	d.log.Debug("notifier routes applied", logx.Int("sinks", len(routes)), logx.Duration("timeout", cfg.Timeout))
	return nil
}

// Timeout is the per-sink delivery bound currently applied.
func (d *Dispatcher) Timeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Timeout
}

// register adds a sink outside of configuration. It survives until the next Apply.
func (d *Dispatcher) register(s Sink, tags []string, isDefault bool, ratePerSec float64) {
	d.mu.Lock()
	d.routes = append(d.routes, newRoute(s, tags, isDefault, ratePerSec))
	d.mu.Unlock()
}

func newRoute(s Sink, tags []string, isDefault bool, ratePerSec float64) route {
	r := route{sink: s, tags: map[string]struct{}{}, isDefault: isDefault}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if t == WildcardTag {
			r.wildcard = true
			continue
		}
		r.tags[t] = struct{}{}
	}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return r
}

func (d *Dispatcher) buildSink(sc SinkConfig) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Kind)) {
	case KindLog, "":
		return newLogSink(sc.Name, d.log), nil
	case KindTelegram:
		if sc.ChatID == 0 {
			return nil, fmt.Errorf("chat_id is required")
		}
		return &telegramSink{
			name:   sc.Name,
			to:     transport.ChatTarget{ChatID: sc.ChatID, ThreadID: sc.ThreadID},
			sender: d.currentSender,
		}, nil
	case KindWebhook:
		if strings.TrimSpace(sc.URL) == "" {
			return nil, fmt.Errorf("url is required")
		}
		return &webhookSink{name: sc.Name, url: sc.URL, token: sc.Token, client: d.client}, nil
	case KindCommand:
		if len(sc.Command) == 0 || strings.TrimSpace(sc.Command[0]) == "" {
			return nil, fmt.Errorf("command is required")
		}
		return &commandSink{name: sc.Name, argv: slices.Clone(sc.Command)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, sc.Kind)
	}
}

// Sinks returns the configured sink names in routing order.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, r.sink.Name())
	}
	return out
}

// selectLocked picks the routes for tag: sinks subscribed to the tag, or the
// default sinks when none are, plus every wildcard sink.
func (d *Dispatcher) selectLocked(tag string) []route {
	var picked []route
	if tag != "" {
		for _, r := range d.routes {
			if _, ok := r.tags[tag]; ok {
				picked = append(picked, r)
			}
		}
	}
	if len(picked) == 0 {
		for _, r := range d.routes {
			if r.isDefault {
				picked = append(picked, r)
			}
		}
	}
	for _, r := range d.routes {
		if r.wildcard && !slices.ContainsFunc(picked, func(p route) bool { return p.sink == r.sink }) {
			picked = append(picked, r)
		}
	}
	return picked
}

// Dispatch delivers m and reports per-sink outcomes. Failures are logged and
// published, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, m Message) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	tag := strings.TrimSpace(m.Tag)
	if tag == "" {
		tag = d.cfg.DefaultTag
	}
	routes := d.selectLocked(tag)
	timeout := d.cfg.Timeout
	d.mu.RUnlock()

	if len(routes) == 0 {
		routes = []route{{sink: d.fallback}}
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
		res Result
	)
	for _, r := range routes {
		wg.Add(1)
		go func(r route) {
			defer wg.Done()
			name := r.sink.Name()
			err := d.sendOne(ctx, r, m, timeout)
			rmu.Lock()
			if err != nil {
				res.Failed = append(res.Failed, name)
			} else {
				res.Delivered = append(res.Delivered, name)
			}
			rmu.Unlock()
			if err != nil {
				d.log.Warn("reminder sink failed",
					logx.String("sink", name), logx.String("task", m.TaskID), logx.String("tag", m.Tag), logx.Err(err))
				eventbus.Publish(d.bus, eventbus.SinkFailed, FailureEvent{
					Sink: name, TaskID: m.TaskID, Tag: m.Tag, At: time.Now(), Error: err.Error(),
				})
			}
		}(r)
	}
	wg.Wait()

	slices.Sort(res.Delivered)
	slices.Sort(res.Failed)
	return res
}

// sendOne bounds one sink call by timeout. A sink that ignores its context is
// abandoned, not killed; its goroutine finishes on its own.
func (d *Dispatcher) sendOne(parent context.Context, r route, m Message, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("sink panic: %v", rec)
			}
		}()
		done <- r.sink.Send(ctx, m)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if parent.Err() != nil {
			return parent.Err()
		}
		return fmt.Errorf("%w after %s", ErrSinkTimeout, timeout)
	}
}
