// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/animstream/internal/locked"
	"github.com/kortschak/animstream/internal/slogext"
)

func newLogger(t *testing.T) *slog.Logger {
	t.Helper()
	var logBuf locked.BytesBuffer
	t.Cleanup(func() {
		if *verbose {
			t.Logf("log:\n%s\n", &logBuf)
		}
	})
	return slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: slogext.NewAtomicBool(*lines),
	})})
}

func TestWatcher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "animstream.toml")
	initial := []byte(`log_level = "info"` + "\n")
	err := os.WriteFile(path, initial, 0o600)
	if err != nil {
		t.Fatalf("failed to write initial configuration: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial configuration: %v", err)
	}

	changes := make(chan Change, 1)
	w, err := NewWatcher(ctx, path, cfg.Sum, changes, 50*time.Millisecond, newLogger(t))
	if err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Close()

	// Unrelated files in the directory are ignored.
	err = os.WriteFile(filepath.Join(dir, "other.toml"), []byte(`log_level = "debug"`), 0o600)
	if err != nil {
		t.Fatalf("failed to write unrelated file: %v", err)
	}
	// Rewriting the same content is not a change.
	err = os.WriteFile(path, initial, 0o600)
	if err != nil {
		t.Fatalf("failed to rewrite configuration: %v", err)
	}
	select {
	case c := <-changes:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(500 * time.Millisecond):
	}

	err = os.WriteFile(path, []byte(`log_level = "debug"`+"\n"), 0o600)
	if err != nil {
		t.Fatalf("failed to update configuration: %v", err)
	}
	select {
	case c := <-changes:
		if c.Err != nil {
			t.Fatalf("unexpected error: %v", c.Err)
		}
		want := &Host{
			Network:  DefaultNetwork,
			LogLevel: ptr(slog.LevelDebug),
			Decode:   &Decode{Concurrency: DefaultConcurrency},
			Sum:      c.Config.Sum,
		}
		if !cmp.Equal(want, c.Config) {
			t.Errorf("unexpected configuration:\n--- want:\n+++ got:\n%s", cmp.Diff(want, c.Config))
		}
		if c.Config.Sum.Equal(cfg.Sum) {
			t.Error("expected changed configuration sum")
		}
		if c.Op() == 0 {
			t.Error("expected non-zero event op")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for change")
	}

	err = os.WriteFile(path, []byte(`log_level = "loud"`+"\n"), 0o600)
	if err != nil {
		t.Fatalf("failed to write invalid configuration: %v", err)
	}
	select {
	case c := <-changes:
		if c.Err == nil {
			t.Errorf("expected error for invalid configuration: got:%+v", c.Config)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for error")
	}
}
