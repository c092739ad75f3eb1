package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/task"
)

// TaskService is the task store surface used by chat commands.
type TaskService interface {
	Create(ctx context.Context, f task.Fields) (task.Task, error)
	List(ctx context.Context, includeCompleted bool) []task.Task
	Complete(ctx context.Context, id string) (task.Task, error)
	ToggleImportant(ctx context.Context, id string) (task.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// ReminderService is the scheduler surface used by chat commands.
type ReminderService interface {
	RunPass(ctx context.Context) reminder.PassReport
	Snapshot() reminder.Snapshot
}

type taskCommands struct {
	tasks TaskService
	rem   ReminderService
	cm    *CommandManager
}

func registerTaskCommands(cm *CommandManager, tasks TaskService, rem ReminderService) {
	tc := &taskCommands{tasks: tasks, rem: rem, cm: cm}
	cm.Register([]string{"all", "star"},
		Command{Name: "tasks", Aliases: []string{"ls"}, Usage: "/tasks [--all]", Description: "list open tasks", Handle: tc.list},
		Command{
			Name:        "add",
			Usage:       `/add "title" [--daily 9,14] [--weekly 1,5@9] [--monthly 1,15@9] [--once 2025-01-02T09:00] [--tag t] [--parent id] [--notes n] [--star]`,
			Description: "create a task",
			Handle:      tc.add,
		},
		Command{Name: "done", Usage: "/done <id>", Description: "mark a task completed", Handle: tc.done},
		Command{Name: "star", Usage: "/star <id>", Description: "toggle important", Handle: tc.star},
		Command{Name: "del", Aliases: []string{"rm"}, Usage: "/del <id>", Description: "delete a task and its subtasks", Handle: tc.del},
		Command{Name: "run", Usage: "/run", Description: "evaluate reminders now", Timeout: time.Minute, Handle: tc.run},
		Command{Name: "status", Usage: "/status", Description: "reminder loop state", Handle: tc.status},
		Command{Name: "help", Usage: "/help", Description: "show this help", Handle: tc.help},
	)
}

func (tc *taskCommands) reply(ctx context.Context, req *Request, text string) error {
	tc.cm.reply(ctx, req.Chat, text)
	return nil
}

func formatTask(t task.Task) string {
	var b strings.Builder
	if t.Completed {
		b.WriteString("✅ ")
	} else if t.Important {
		b.WriteString("⭐ ")
	} else {
		b.WriteString("• ")
	}
	b.WriteString(t.Title)
	b.WriteString(" [")
	b.WriteString(t.ID)
	b.WriteString("]")
	if raw := t.RawReminder(); len(raw) > 0 {
		b.WriteString(" ⏰ ")
		b.Write(raw)
	}
	if t.ReminderTag != "" {
		b.WriteString(" #")
		b.WriteString(t.ReminderTag)
	}
	return b.String()
}

func (tc *taskCommands) list(ctx context.Context, req *Request) error {
	ts := tc.tasks.List(ctx, req.Bools["all"])
	if len(ts) == 0 {
		return tc.reply(ctx, req, "no tasks")
	}
	lines := make([]string, 0, len(ts))
	for _, t := range ts {
		lines = append(lines, formatTask(t))
	}
	return tc.reply(ctx, req, strings.Join(lines, "\n"))
}

// parseRuleFlags builds at most one rule from the --once/--daily/--weekly/--monthly flags.
func parseRuleFlags(flags map[string]string) (task.Rule, error) {
	var rules []task.Rule
	if v, ok := flags["once"]; ok {
		at, err := storage.ParseLocalTime(v)
		if err != nil {
			return nil, fmt.Errorf("%w: --once: %v", task.ErrInvalidRule, err)
		}
		rules = append(rules, task.Once{At: at})
	}
	if v, ok := flags["daily"]; ok {
		hours, err := parseIntList(v)
		if err != nil {
			return nil, fmt.Errorf("%w: --daily: %v", task.ErrInvalidRule, err)
		}
		rules = append(rules, task.Daily{Hours: hours})
	}
	if v, ok := flags["weekly"]; ok {
		days, hour, err := parseSetAtHour(v)
		if err != nil {
			return nil, fmt.Errorf("%w: --weekly: %v", task.ErrInvalidRule, err)
		}
		rules = append(rules, task.Weekly{Weekdays: days, Hour: hour})
	}
	if v, ok := flags["monthly"]; ok {
		days, hour, err := parseSetAtHour(v)
		if err != nil {
			return nil, fmt.Errorf("%w: --monthly: %v", task.ErrInvalidRule, err)
		}
		rules = append(rules, task.Monthly{Days: days, Hour: hour})
	}
	switch len(rules) {
	case 0:
		return nil, nil
	case 1:
		return rules[0], nil
	default:
		return nil, fmt.Errorf("%w: only one of --once, --daily, --weekly, --monthly", task.ErrInvalidRule)
	}
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", p)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("empty list")
	}
	return out, nil
}

// parseSetAtHour reads "1,15@9".
func parseSetAtHour(s string) ([]int, int, error) {
	set, hourStr, ok := strings.Cut(s, "@")
	if !ok {
		return nil, 0, errors.New("expected <list>@<hour>")
	}
	list, err := parseIntList(set)
	if err != nil {
		return nil, 0, err
	}
	hour, err := strconv.Atoi(strings.TrimSpace(hourStr))
	if err != nil {
		return nil, 0, fmt.Errorf("hour: not a number: %q", hourStr)
	}
	return list, hour, nil
}

func (tc *taskCommands) add(ctx context.Context, req *Request) error {
	title := strings.TrimSpace(strings.Join(req.Args, " "))
	if title == "" {
		return tc.reply(ctx, req, "usage: /add \"title\" [--daily 9,14] [--tag t]")
	}
	rule, err := parseRuleFlags(req.Flags)
	if err != nil {
		return err
	}
	t, err := tc.tasks.Create(ctx, task.Fields{
		Title:       title,
		Notes:       req.Flags["notes"],
		Important:   req.Bools["star"],
		ParentID:    req.Flags["parent"],
		Reminder:    rule,
		ReminderTag: req.Flags["tag"],
	})
	if err != nil {
		return err
	}
	return tc.reply(ctx, req, "created "+formatTask(t))
}

func oneID(req *Request) (string, error) {
	if len(req.Args) != 1 || strings.TrimSpace(req.Args[0]) == "" {
		return "", fmt.Errorf("%w: expected exactly one task id", task.ErrInvalidInput)
	}
	return strings.TrimSpace(req.Args[0]), nil
}

func (tc *taskCommands) done(ctx context.Context, req *Request) error {
	id, err := oneID(req)
	if err != nil {
		return err
	}
	t, err := tc.tasks.Complete(ctx, id)
	if err != nil {
		return err
	}
	return tc.reply(ctx, req, formatTask(t))
}

func (tc *taskCommands) star(ctx context.Context, req *Request) error {
	id, err := oneID(req)
	if err != nil {
		return err
	}
	t, err := tc.tasks.ToggleImportant(ctx, id)
	if err != nil {
		return err
	}
	return tc.reply(ctx, req, formatTask(t))
}

func (tc *taskCommands) del(ctx context.Context, req *Request) error {
	id, err := oneID(req)
	if err != nil {
		return err
	}
	removed, err := tc.tasks.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return tc.reply(ctx, req, "deleted "+id)
}

func (tc *taskCommands) run(ctx context.Context, req *Request) error {
	// The command deadline bounds the reply, not the pass.
	rep := tc.rem.RunPass(context.WithoutCancel(ctx))
	msg := fmt.Sprintf("pass done: evaluated=%d fired=%d errors=%d took=%s", rep.Evaluated, len(rep.Fired), rep.Errors, rep.Took.Round(time.Millisecond))
	if rep.Aborted {
		msg += " (aborted: storage unavailable)"
	}
	return tc.reply(ctx, req, msg)
}

func (tc *taskCommands) status(ctx context.Context, req *Request) error {
	s := tc.rem.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "reminders: enabled=%t running=%t interval=%s\n", s.Enabled, s.Running, s.Interval)
	fmt.Fprintf(&b, "passes=%d fired=%d errors=%d", s.Passes, s.Fired, s.Errors)
	if s.LastPass != nil {
		fmt.Fprintf(&b, "\nlast pass: %s", s.LastPass.At.Format(time.RFC3339))
	}
	if !s.NextWakeAt.IsZero() {
		fmt.Fprintf(&b, "\nnext wake: %s", s.NextWakeAt.Format(time.RFC3339))
	}
	return tc.reply(ctx, req, b.String())
}

func (tc *taskCommands) help(ctx context.Context, req *Request) error {
	return tc.reply(ctx, req, tc.cm.helpText())
}
