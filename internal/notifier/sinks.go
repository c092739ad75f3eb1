package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"remindd/internal/transport"
	logx "remindd/pkg/logx"
)

type logSink struct {
	name string
	log  logx.Logger
}

func newLogSink(name string, log logx.Logger) *logSink {
	return &logSink{name: name, log: log}
}

func (s *logSink) Name() string { return s.name }

func (s *logSink) Send(_ context.Context, m Message) error {
	s.log.Info(m.Text,
		logx.String("sink", s.name),
		logx.String("title", m.Title),
		logx.String("task", m.TaskID),
		logx.String("tag", m.Tag),
	)
	return nil
}

type telegramSink struct {
	name   string
	to     transport.ChatTarget
	sender func() transport.Sender
}

func (s *telegramSink) Name() string { return s.name }

func (s *telegramSink) Send(ctx context.Context, m Message) error {
	snd := s.sender()
	if snd == nil {
		return ErrNoSender
	}
	text := m.Text
	if m.Title != "" {
		text = m.Title + "\n" + m.Text
	}
	_, err := snd.SendText(ctx, s.to, text, &transport.SendOptions{DisablePreview: true})
	return err
}

type webhookSink struct {
	name   string
	url    string
	token  string
	client *http.Client
}

func (s *webhookSink) Name() string { return s.name }

func (s *webhookSink) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", s.name, resp.StatusCode)
	}
	return nil
}

// commandSink runs argv with the reminder exported as REMINDER_* variables.
// The message text is also written to stdin.
type commandSink struct {
	name string
	argv []string
}

func (s *commandSink) Name() string { return s.name }

func (s *commandSink) Send(ctx context.Context, m Message) error {
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Env = append(os.Environ(),
		"REMINDER_TASK_ID="+m.TaskID,
		"REMINDER_TAG="+m.Tag,
		"REMINDER_TITLE="+m.Title,
		"REMINDER_TEXT="+m.Text,
	)
	cmd.Stdin = strings.NewReader(m.Text)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := truncateUTF8(strings.TrimSpace(string(out)), maxCommandOutput)
		if msg != "" {
			return fmt.Errorf("command %s: %w: %s", s.name, err, msg)
		}
		return fmt.Errorf("command %s: %w", s.name, err)
	}
	return nil
}

const maxCommandOutput = 200

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
