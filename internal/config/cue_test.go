// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/animstream/config"
)

var validateTests = []struct {
	name      string
	config    *Host
	wantPaths [][]string
	wantErr   bool
}{
	{
		name:   "empty",
		config: &Host{},
	},
	{
		name: "complete",
		config: &Host{
			Network:     "tcp",
			LogLevel:    ptr(slog.LevelDebug),
			AddSource:   ptr(true),
			MetricsAddr: "localhost:9090",
			Decode:      &Decode{Concurrency: 8},
			Worker: &Worker{
				Path:     "/usr/bin/animworker",
				Args:     []string{"-lines"},
				Format:   "msgpack",
				Quality:  80,
				LogLevel: ptr(slog.LevelWarn),
				LogMode:  "log",
			},
		},
	},
	{
		name:      "bad_network",
		config:    &Host{Network: "udp"},
		wantPaths: [][]string{{"network"}},
		wantErr:   true,
	},
	{
		name:      "bad_concurrency",
		config:    &Host{Decode: &Decode{Concurrency: 1000}},
		wantPaths: [][]string{{"decode", "concurrency"}},
		wantErr:   true,
	},
	{
		name: "bad_worker",
		config: &Host{Worker: &Worker{
			Path:    "animworker",
			Format:  "gif",
			Quality: 101,
		}},
		wantPaths: [][]string{
			{"worker", "format"},
			{"worker", "quality"},
		},
		wantErr: true,
	},
	{
		name:      "bad_metrics_addr",
		config:    &Host{MetricsAddr: "localhost"},
		wantPaths: [][]string{{"metrics_addr"}},
		wantErr:   true,
	},
}

func TestValidate(t *testing.T) {
	for _, test := range validateTests {
		t.Run(test.name, func(t *testing.T) {
			paths, err := Validate(config.Schema, test.config)
			if (err != nil) != test.wantErr {
				t.Errorf("unexpected error: got:%v want error:%t", err, test.wantErr)
			}
			if !cmp.Equal(test.wantPaths, paths) {
				t.Errorf("unexpected paths:\n--- want:\n+++ got:\n%s", cmp.Diff(test.wantPaths, paths))
			}
		})
	}
}

func TestValidateBadSchema(t *testing.T) {
	_, err := Validate("{", &Host{})
	if err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestUnique(t *testing.T) {
	got := unique([][]string{
		{"worker", "quality"},
		{"network"},
		{"worker", "format"},
		{"network"},
		{"worker"},
		{"worker", "format"},
	})
	want := [][]string{
		{"network"},
		{"worker"},
		{"worker", "format"},
		{"worker", "quality"},
	}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected result:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
}
