package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeJSONAndYAML(t *testing.T) {
	t.Parallel()
	jsonCfg := `{"reminder":{"check_interval":"45s"},"notifier":{"sinks":[{"name":"desk","kind":"log","tags":["*"]}]}}`
	yamlCfg := "reminder:\n  check_interval: 45s\nnotifier:\n  sinks:\n    - name: desk\n      kind: log\n      tags: [\"*\"]\n"

	for _, tc := range []struct{ path, body string }{
		{"c.json", jsonCfg},
		{"c.yaml", yamlCfg},
	} {
		cfg, err := Decode(tc.path, []byte(tc.body))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tc.path, err)
		}
		if cfg.Reminder.CheckInterval != "45s" {
			t.Fatalf("%s: check_interval = %q", tc.path, cfg.Reminder.CheckInterval)
		}
		if len(cfg.Notifier.Sinks) != 1 || cfg.Notifier.Sinks[0].Tags[0] != "*" {
			t.Fatalf("%s: sinks = %+v", tc.path, cfg.Notifier.Sinks)
		}
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"reminder":{"interval":"1s"}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	if _, err := Decode("c.yml", []byte("bogus: 1\n")); err == nil {
		t.Fatal("expected unknown yaml key error")
	}
	if _, err := Decode("c.yaml", []byte("")); err != nil {
		t.Fatalf("empty yaml should decode: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	if !cfg.HTTP.IsEnabled() || !cfg.Reminder.IsEnabled() || !cfg.Telegram.CommandsOn() {
		t.Fatal("zero config should enable http, reminders and commands")
	}
	off := false
	cfg.Reminder.Enabled = &off
	if cfg.Reminder.IsEnabled() {
		t.Fatal("explicit false ignored")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "ok", cfg: Config{}},
		{name: "interval too small", cfg: Config{Reminder: ReminderConfig{CheckInterval: "500ms"}}, want: "at least"},
		{name: "bad duration", cfg: Config{Notifier: NotifierConfig{Timeout: "soon"}}, want: "notifier.timeout"},
		{name: "format verb", cfg: Config{Reminder: ReminderConfig{MessageFormat: "no verb"}}, want: "message_format"},
		{name: "sqlite path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, want: "storage.path"},
		{name: "postgres dsn", cfg: Config{Storage: StorageConfig{Driver: "postgres"}}, want: "storage.dsn"},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, want: "unknown storage.driver"},
		{name: "sink kind", cfg: Config{Notifier: NotifierConfig{Sinks: []SinkConfig{{Name: "x", Kind: "fax"}}}}, want: "unknown kind"},
		{name: "telegram sink", cfg: Config{Notifier: NotifierConfig{Sinks: []SinkConfig{{Name: "x", Kind: "telegram"}}}}, want: "chat_id"},
		{name: "dup sink", cfg: Config{Notifier: NotifierConfig{Sinks: []SinkConfig{{Name: "x", Kind: "log"}, {Name: "x", Kind: "log"}}}}, want: "duplicate"},
		{name: "group log", cfg: Config{Telegram: TelegramConfig{GroupLog: "abc"}}, want: "group_log"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationAtLeast(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationAtLeast("x", "", 30*time.Second, time.Second)
	if err != nil || d != 30*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationAtLeast("x", "-1s", time.Second, time.Second); err == nil {
		t.Fatal("expected negative duration error")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Reminder: ReminderConfig{CheckInterval: "10s"},
		Storage:  StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	changed, attrs, restart := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "telegram,reminder,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "telegram.token,storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
	if c, _, _ := SummarizeChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"reminder":{"check_interval":"30s"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and not published.
	_ = os.WriteFile(path, []byte(`{"reminder":{"check_interval":"1ms"}}`), 0o600)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Reminder)
	case <-time.After(600 * time.Millisecond):
	}

	_ = os.WriteFile(path, []byte(`{"reminder":{"check_interval":"5s"}}`), 0o600)
	select {
	case cfg := <-ch:
		if cfg.Reminder.CheckInterval != "5s" {
			t.Fatalf("published %q", cfg.Reminder.CheckInterval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	if m.Get().Reminder.CheckInterval != "5s" {
		t.Fatal("reload not committed")
	}
	cancel()
	<-done
}
