package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHTTPAddr      = "127.0.0.1:8000"
	DefaultCheckInterval = 30 * time.Second
	MinCheckInterval     = time.Second
	DefaultSinkTimeout   = 10 * time.Second
)

// Validate checks cross-field rules that strict decoding cannot express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)
	_, err = ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationAtLeast("reminder.check_interval", cfg.Reminder.CheckInterval, DefaultCheckInterval, MinCheckInterval)
	add(err)
	_, err = ParseDurationField("notifier.timeout", cfg.Notifier.Timeout)
	add(err)
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if f := cfg.Reminder.MessageFormat; f != "" && strings.Count(f, "%s") != 1 {
		add(fmt.Errorf("reminder.message_format must contain exactly one %%s"))
	}
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: invalid chat id %q", gl))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.telegram.enabled requires telegram.group_log"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	seen := map[string]bool{}
	for i, s := range cfg.Notifier.Sinks {
		path := fmt.Sprintf("notifier.sinks[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = s.Kind
		}
		if seen[name] {
			add(fmt.Errorf("%s: duplicate sink name %q", path, name))
		}
		seen[name] = true
		if s.RatePerSec < 0 {
			add(fmt.Errorf("%s.rate_per_sec must be >= 0", path))
		}
		switch strings.ToLower(strings.TrimSpace(s.Kind)) {
		case "log":
		case "telegram":
			if s.ChatID == 0 {
				add(fmt.Errorf("%s: telegram sink needs chat_id", path))
			}
		case "webhook":
			if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
				add(fmt.Errorf("%s: webhook sink needs an http(s) url", path))
			}
		case "command":
			if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
				add(fmt.Errorf("%s: command sink needs command", path))
			}
		default:
			add(fmt.Errorf("%s: unknown kind %q", path, s.Kind))
		}
	}
	return errors.Join(errs...)
}
