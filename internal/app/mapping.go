package app

import (
	"strconv"
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/httpapi"
	"remindd/internal/notifier"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

// Mappers run on configs that passed config.Validate; parse errors are still returned.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func groupLogChat(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	every, err := config.ParseDurationAtLeast("reminder.check_interval", cfg.Reminder.CheckInterval, config.DefaultCheckInterval, config.MinCheckInterval)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		Enabled:       cfg.Reminder.IsEnabled(),
		Interval:      every,
		Title:         cfg.Reminder.Title,
		MessageFormat: cfg.Reminder.MessageFormat,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("notifier.timeout", cfg.Notifier.Timeout, config.DefaultSinkTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	out := notifier.Config{
		Timeout:    timeout,
		DefaultTag: strings.TrimSpace(cfg.Notifier.DefaultTag),
		Sinks:      make([]notifier.SinkConfig, 0, len(cfg.Notifier.Sinks)),
	}
	for _, s := range cfg.Notifier.Sinks {
		out.Sinks = append(out.Sinks, notifier.SinkConfig{
			Name:       strings.TrimSpace(s.Name),
			Kind:       strings.ToLower(strings.TrimSpace(s.Kind)),
			Tags:       s.Tags,
			Default:    s.Default,
			RatePerSec: s.RatePerSec,
			ChatID:     s.ChatID,
			ThreadID:   s.ThreadID,
			URL:        s.URL,
			Token:      s.Token,
			Command:    s.Command,
		})
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return httpapi.Config{
		Addr:         addr,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		JWTSecret:    cfg.HTTP.JWTSecret,
		JWTIssuer:    cfg.HTTP.JWTIssuer,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        cfg.HTTP.Pprof,
	}, nil
}
