package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) SendAlert(_ context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "relay"))
	log.Warn("recipient not found", String("recipient", "abc"), Int("n", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "recipient not found" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "relay" || m["recipient"] != "abc" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger must not be zero")
	}
}

func TestAlertSinkHonorsMinLevel(t *testing.T) {
	fs := &fakeSender{}
	svc := &Service{newSender: func(TelegramConfig) (AlertSender, error) { return fs, nil }}
	svc.Apply(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			Token:      "t",
			ChatID:     42,
			MinLevel:   "warn",
			RatePerSec: 100,
		},
	})
	t.Cleanup(func() { _ = svc.Close() })

	log := svc.Logger()
	log.Info("quiet")
	log.Warn("store unreachable", String("driver", "redis"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fs.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := fs.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 alert, got %d: %v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] store unreachable") {
		t.Fatalf("unexpected alert text: %q", msgs[0])
	}
	if !strings.Contains(msgs[0], "driver=redis") {
		t.Fatalf("alert missing field: %q", msgs[0])
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning", "error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
