package config

import (
	"reflect"
	"strings"

	logx "remindd/pkg/logx"
)

// SummarizeChange returns the changed section names, safe log attrs (never
// secrets) and the changed settings that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	// HTTP (never log jwt secret)
	o, n := oldCfg.HTTP, newCfg.HTTP
	if o.IsEnabled() != n.IsEnabled() || strings.TrimSpace(o.Addr) != strings.TrimSpace(n.Addr) ||
		!reflect.DeepEqual(o.CORSOrigins, n.CORSOrigins) || o.JWTSecret != n.JWTSecret || o.JWTIssuer != n.JWTIssuer ||
		o.ReadTimeout != n.ReadTimeout || o.WriteTimeout != n.WriteTimeout || o.Pprof != n.Pprof {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", n.IsEnabled()),
			logx.String("http.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("http.auth", n.JWTSecret != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout {
		restart = append(restart, "telegram.token")
	}
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.GroupLog != nt.GroupLog ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.CommandsOn() != nt.CommandsOn() {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.commands", nt.CommandsOn()),
		)
	}

	or, nr := oldCfg.Reminder, newCfg.Reminder
	if or.IsEnabled() != nr.IsEnabled() || or.CheckInterval != nr.CheckInterval ||
		or.Title != nr.Title || or.MessageFormat != nr.MessageFormat {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Bool("reminder.enabled", nr.IsEnabled()),
			logx.String("reminder.check_interval", nr.CheckInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.sinks", len(newCfg.Notifier.Sinks)),
			logx.String("notifier.timeout", newCfg.Notifier.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	return changed, attrs, restart
}
