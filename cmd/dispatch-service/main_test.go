package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/models"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(config.NewViper())
	root.SetArgs(args)
	root.SetOut(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "dispatch.db"))
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd(config.NewViper())
	for _, name := range []string{"serve", "migrate", "sweep", "queue", "stats"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s command, got %v", name, err)
		}
	}
}

func TestSweepPolicyFromConfig(t *testing.T) {
	policy := sweepPolicy(config.Config{AbandonCalledAfter: time.Minute, AbandonPreviousDays: true, AbandonBatchSize: 7})
	if policy.CalledTimeout != time.Minute || !policy.AbandonPreviousDays || policy.BatchSize != 7 {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if (sweepPolicy(config.Config{})).Enabled() {
		t.Fatalf("zero config should disable the sweeper")
	}
}

func TestMigrateAndStatsAgainstSQLite(t *testing.T) {
	useSQLite(t)
	for _, args := range [][]string{{"migrate"}, {"stats", "--agency", "a", "--json"}, {"queue", "--agency", "a"}} {
		if _, err := runCLI(t, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
}

func TestSweepPrintsJSON(t *testing.T) {
	useSQLite(t)
	out, err := runCLI(t, "sweep", "--json")
	if err != nil {
		t.Fatalf("sweep --json: %v", err)
	}
	var tickets []models.Ticket
	if err := json.Unmarshal([]byte(out), &tickets); err != nil {
		t.Fatalf("decode sweep output %q: %v", out, err)
	}
	if tickets == nil || len(tickets) != 0 {
		t.Fatalf("expected an empty list, got %q", out)
	}
}

func TestQueueRejectsUnknownStatus(t *testing.T) {
	useSQLite(t)
	_, err := runCLI(t, "queue", "--agency", "a", "--status", "served")
	if err == nil || !strings.Contains(err.Error(), "status must be waiting or called") {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := runCLI(t, "queue", "--agency", "a", "--status", "called", "--json"); err != nil {
		t.Fatalf("queue --status called: %v", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	logger := newLogger(config.Config{LogLevel: "warn", LogFormat: "json"})
	if logger.Enabled(context.Background(), -4) {
		t.Fatalf("debug should be disabled at warn level")
	}
	if !logger.Enabled(context.Background(), 8) {
		t.Fatalf("error should be enabled at warn level")
	}
}
