package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const testConfig = `
http:
  addr: "127.0.0.1:0"
logging:
  level: error
reminder:
  check_interval: 1h
storage:
  driver: memory
notifier:
  sinks:
    - name: desk
      kind: log
      tags: ["*"]
`

func TestAppStartServeStop(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := "http://" + a.HTTPAddr()
	body := bytes.NewBufferString(`{"title":"stretch","reminder":{"type":"daily","hours":[0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21,22,23]}}`)
	resp, err := http.Post(base+"/api/todo/tasks", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/todo/reminders/run", "application/json", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var out struct {
		Report struct {
			Fired []struct {
				Delivered []string `json:"delivered"`
			} `json:"fired"`
		} `json:"report"`
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if len(out.Report.Fired) != 1 || len(out.Report.Fired[0].Delivered) != 1 || out.Report.Fired[0].Delivered[0] != "desk" {
		t.Fatalf("run report=%+v", out.Report)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still live after Stop")
	}
	if a.HTTPAddr() != "" {
		t.Fatalf("http still bound after Stop")
	}
}

func TestApplyConfigTogglesReminderLoop(t *testing.T) {
	a, err := NewApp(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	old := a.cfgm.Get()
	next := *old
	off := false
	next.Reminder.Enabled = &off
	next.Notifier.Sinks = nil

	a.applyConfig(old, &next)
	if a.rem.Enabled() {
		t.Fatalf("reminder loop still enabled")
	}
	if sinks := a.notif.Sinks(); len(sinks) != 0 {
		t.Fatalf("sinks=%v want none", sinks)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, "reminder:\n  check_interval: 10ms\nstorage:\n  driver: memory\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
