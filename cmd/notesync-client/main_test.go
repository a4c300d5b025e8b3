package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/notes"
	"github.com/agentworkforce/notesync/internal/syncclient"
)

const testSecret = "cli-secret"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--config", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newTestBackend(t *testing.T) string {
	t.Helper()
	store := notes.NewMemoryStore()
	reconciler, err := notes.NewReconciler(store, notes.ReconcilerOptions{})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	processor := notes.NewBatchProcessor(reconciler, notes.BatchOptions{})
	ts := httptest.NewServer(httpapi.NewServerWithConfig(processor, store, httpapi.ServerConfig{JWTSecret: testSecret}))
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestLoadConfigLayersFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notesync.yaml")
	body := "base_url: http://from-file:8080\ntoken: file-token\nbatch_size: 7\ntimeout: 5s\ninterval_jitter: 0.5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "http://from-file:8080" || cfg.BatchSize != 7 || cfg.Timeout != 5*time.Second {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.RetryCeiling != syncclient.DefaultRetryCeiling {
		t.Fatalf("expected default retry ceiling to survive, got %d", cfg.RetryCeiling)
	}

	env := map[string]string{"NOTESYNC_TOKEN": "env-token", "NOTESYNC_QUEUE": "memory://"}
	cfg.applyEnv(func(name string) string { return env[name] })
	if cfg.Token != "env-token" || cfg.Queue != "memory://" {
		t.Fatalf("expected env to override file, got %+v", cfg)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var set clientConfig
	flags.StringVar(&set.Token, "token", "", "")
	flags.IntVar(&set.BatchSize, "batch-size", 20, "")
	flags.StringVar(&set.BaseURL, "base-url", "", "")
	if err := flags.Parse([]string{"--token", "flag-token"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg.applyFlags(flags, set)
	if cfg.Token != "flag-token" {
		t.Fatalf("expected flag to override env, got %q", cfg.Token)
	}
	if cfg.BatchSize != 7 || cfg.BaseURL != "http://from-file:8080" {
		t.Fatalf("expected unset flags to leave values alone, got %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := loadConfig(missing, false); err != nil {
		t.Fatalf("expected missing default config to be ignored, got %v", err)
	}
	if _, err := loadConfig(missing, true); err == nil {
		t.Fatalf("expected missing explicit config to fail")
	}
}

func TestCLIQueuesOfflineThenFlushes(t *testing.T) {
	baseURL := newTestBackend(t)
	queue := filepath.Join(t.TempDir(), "queue.json")

	token, err := execute(t, "token", "--secret", testSecret, "--user", "user_1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	token = strings.TrimSpace(token)

	out, err := execute(t, "--queue", queue, "add", "--title", "X", "--content", "first draft")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	var created enqueued
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode add output %q: %v", out, err)
	}
	if !notes.IsLocalRef(created.EntityID) {
		t.Fatalf("expected a local reference for the new note, got %q", created.EntityID)
	}
	if _, err := execute(t, "--queue", queue, "edit", created.EntityID, "--title", "Y"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	out, err = execute(t, "--queue", queue, "pending")
	var exitErr *exitError
	if !errors.As(err, &exitErr) || exitErr.code != 1 {
		t.Fatalf("expected pending to exit 1, got %v", err)
	}
	if strings.TrimSpace(out) != "2" {
		t.Fatalf("expected 2 pending operations, got %q", out)
	}

	out, err = execute(t, "--queue", queue, "status", created.EntityID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status syncclient.EntityStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != notes.StatusPending || len(status.Operations) != 2 {
		t.Fatalf("expected two pending operations, got %+v", status)
	}

	out, err = execute(t, "--queue", queue, "--base-url", baseURL, "--token", token, "flush")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	var report syncclient.FlushReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Submitted != 2 || report.Synced != 2 {
		t.Fatalf("expected both operations to sync, got %+v", report)
	}

	out, err = execute(t, "--queue", queue, "pending")
	if err != nil || strings.TrimSpace(out) != "0" {
		t.Fatalf("expected no pending work, got %q (%v)", out, err)
	}
	out, err = execute(t, "--queue", queue, "status", created.EntityID)
	if err != nil {
		t.Fatalf("status after flush: %v", err)
	}
	status = syncclient.EntityStatus{}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != notes.StatusSynced || status.LastSyncTime == nil || notes.IsLocalRef(status.EntityID) {
		t.Fatalf("expected synced status keyed by the server id, got %+v", status)
	}
}

func TestCLIRunOnceFlushesWatchedDirectory(t *testing.T) {
	baseURL := newTestBackend(t)
	queue := filepath.Join(t.TempDir(), "queue.json")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Groceries.md"), []byte("Milk."), 0o644); err != nil {
		t.Fatalf("write note: %v", err)
	}
	token, err := httpapi.IssueToken(testSecret, "user_1", []string{"notes:read", "notes:write"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	out, err := execute(t, "--queue", queue, "--base-url", baseURL, "--token", token, "run", "--once", "--watch-dir", dir)
	if err != nil {
		t.Fatalf("run --once: %v", err)
	}
	var report syncclient.FlushReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report %q: %v", out, err)
	}
	if report.Synced != 1 {
		t.Fatalf("expected the scanned file to sync, got %+v", report)
	}
}

func TestCLIRejectsBadInput(t *testing.T) {
	queue := filepath.Join(t.TempDir(), "queue.json")

	if _, err := execute(t, "--queue", queue, "edit", "note_1"); err == nil || !strings.Contains(err.Error(), "nothing to change") {
		t.Fatalf("expected edit without fields to fail, got %v", err)
	}
	if _, err := execute(t, "--queue", queue, "discard", "op_missing"); !errors.Is(err, syncclient.ErrUnknownOperation) {
		t.Fatalf("expected unknown operation error, got %v", err)
	}
	if _, err := execute(t, "--queue", queue, "flush"); err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected flush without token to fail, got %v", err)
	}
	if _, err := execute(t, "token", "--secret", testSecret); err == nil {
		t.Fatalf("expected token without user to fail")
	}
}

func TestCLIRetryAndDiscard(t *testing.T) {
	queue := filepath.Join(t.TempDir(), "queue.json")
	out, err := execute(t, "--queue", queue, "rm", "note_1")
	if err != nil {
		t.Fatalf("rm: %v", err)
	}
	var removed enqueued
	if err := json.Unmarshal([]byte(out), &removed); err != nil {
		t.Fatalf("decode rm output: %v", err)
	}
	if removed.EntityID != "note_1" {
		t.Fatalf("expected rm to target note_1, got %+v", removed)
	}

	out, err = execute(t, "--queue", queue, "retry")
	if err != nil || strings.TrimSpace(out) != "0 operation(s) requeued" {
		t.Fatalf("expected nothing to retry, got %q (%v)", out, err)
	}
	out, err = execute(t, "--queue", queue, "discard", removed.OperationID)
	if err != nil || strings.TrimSpace(out) != "1 operation(s) discarded" {
		t.Fatalf("expected discard of one operation, got %q (%v)", out, err)
	}
	out, err = execute(t, "--queue", queue, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var overview syncclient.Overview
	if err := json.Unmarshal([]byte(out), &overview); err != nil {
		t.Fatalf("decode overview: %v", err)
	}
	if overview.Total != 0 {
		t.Fatalf("expected empty queue, got %+v", overview)
	}
}
