package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestLoggerInit(t *testing.T) {
	// Test development mode
	err := Init()
	if err != nil {
		t.Fatalf("failed to initialize development logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	logger := Get()
	if logger == nil {
		t.Fatal("logger is nil after initialization")
	}

	// Test production mode
	err = Init()
	if err != nil {
		t.Fatalf("failed to initialize production logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	logger = Get()
	if logger == nil {
		t.Fatal("logger is nil after initialization")
	}
}

// Basic logging test (slog-backed; no Sugar)
func TestLoggerBasic(t *testing.T) {
	err := Init()
	if err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	logger := Get()
	if logger == nil {
		t.Fatal("logger is nil")
	}

	ctx := context.Background()
	logger.Info(ctx, "test message", String("k", "v"))
}

func TestLoggerNamed(t *testing.T) {
	err := Init()
	if err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	namedLogger := Named("test")
	if namedLogger == nil {
		t.Fatal("named logger is nil")
	}

	ctx := context.Background()
	namedLogger.Info(ctx, "test message")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(WithFormat("json"), WithOutput(&buf)); err != nil {
		t.Fatalf("failed to initialize json logger: %v", err)
	}
	defer func() { _ = Init() }()

	Named("fold").Info(context.Background(), "folded",
		String("session_id", "s1"),
		Int64("version", 3),
		Bool("duplicate", false),
		Duration("took", time.Millisecond),
		Error(errors.New("boom")),
	)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	group, ok := line["fold"].(map[string]any)
	if !ok {
		t.Fatalf("expected fields grouped under the logger name, got %v", line)
	}
	if group["session_id"] != "s1" {
		t.Errorf("session_id = %v", group["session_id"])
	}
	if !strings.Contains(buf.String(), "logger_test.go") {
		t.Errorf("expected caller source in %q", buf.String())
	}
}

func TestLoggerLevelsAndFormats(t *testing.T) {
	if err := Init(WithFormat("xml")); err == nil {
		t.Error("expected unknown format to fail")
	}
	if err := SetLevelString("verbose"); err == nil {
		t.Error("expected unknown level to fail")
	}
	if err := SetLevelString("warn"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	_ = SetLevelString("info")

	NewNop().Named("x").Debug(context.Background(), "discarded")
}
