package config

// Config is the whole daemon configuration. Files may be JSON or YAML; both
// are decoded strictly, so unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Reminder ReminderConfig `json:"reminder"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
}

// HTTPConfig controls the CRUD API.
//
// Security note:
//   - Prefer binding to localhost (the default is "127.0.0.1:8000").
//   - When jwt_secret is set every /api route requires an HS256 bearer token.
type HTTPConfig struct {
	Enabled      *bool    `json:"enabled,omitempty"` // default true
	Addr         string   `json:"addr,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	JWTSecret    string   `json:"jwt_secret,omitempty"` // do not log
	JWTIssuer    string   `json:"jwt_issuer,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	Pprof        bool     `json:"pprof,omitempty"` // mount /debug/pprof/ (auth applies)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig enables the chat transport. An empty token disables it.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"` // chat id receiving WARN+ logs
	PollTimeout  string  `json:"poll_timeout"`
	Commands     *bool   `json:"commands,omitempty"` // default true
}

// ReminderConfig controls the scheduler loop.
//
// Defaults:
//   - enabled: true
//   - check_interval: "30s" (minimum "1s")
//   - title: "Task reminder"
//   - message_format: "📋 Task reminder: %s"
type ReminderConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
	Title         string `json:"title,omitempty"`
	MessageFormat string `json:"message_format,omitempty"`
}

// NotifierConfig routes reminders to sinks.
//
// Example:
//
//	"notifier": {
//	  "timeout": "10s",
//	  "sinks": [
//	    { "name": "desk", "kind": "log", "tags": ["*"] },
//	    { "name": "phone", "kind": "telegram", "tags": ["qq"], "chat_id": 12345 }
//	  ]
//	}
type NotifierConfig struct {
	Timeout    string       `json:"timeout,omitempty"`
	DefaultTag string       `json:"default_tag,omitempty"`
	Sinks      []SinkConfig `json:"sinks,omitempty"`
}

type SinkConfig struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Tags       []string `json:"tags,omitempty"`
	Default    bool     `json:"default,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	ChatID     int64    `json:"chat_id,omitempty"`
	ThreadID   int      `json:"thread_id,omitempty"`
	URL        string   `json:"url,omitempty"`
	Token      string   `json:"token,omitempty"` // do not log
	Command    []string `json:"command,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindd.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file (default), sqlite, postgres, memory
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c HTTPConfig) IsEnabled() bool      { return boolOr(c.Enabled, true) }
func (c ReminderConfig) IsEnabled() bool  { return boolOr(c.Enabled, true) }
func (c TelegramConfig) CommandsOn() bool { return boolOr(c.Commands, true) }
