package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hive/pkg/utils/contextkey"

	"go.uber.org/zap"
)

func TestPackageFunctionsAreNoopsBeforeInit(t *testing.T) {
	global = nil
	Info(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("sync before init: %v", err)
	}
}

func TestJSONEntryCarriesContextIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.log")
	if err := Init(Config{Level: "info", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { global = nil })

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.SubmissionID, "sub-9")
	Debug(ctx, "below level")
	Warn(ctx, "slow attempt", zap.Int("attempt", 2))
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one entry, got %d: %s", len(lines), data)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["msg"] != "slow attempt" || entry["trace_id"] != "trace-1" || entry["submission_id"] != "sub-9" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["attempt"] != float64(2) {
		t.Fatalf("expected attempt field, got %v", entry["attempt"])
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
