// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"flag"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func ptr[T any](v T) *T { return &v }

var parseTests = []struct {
	name    string
	data    string
	want    *Host
	wantErr bool
}{
	{
		name: "empty",
		data: "",
		want: &Host{
			Network: "unix",
			Decode:  &Decode{Concurrency: DefaultConcurrency},
		},
	},
	{
		name: "complete",
		data: `
network = "tcp"
log_level = "debug"
log_add_source = true
metrics_addr = ":9090"

[decode]
concurrency = 2

[worker]
path = "builtin"
format = "msgpack"
quality = 90
log_mode = "none"
`,
		want: &Host{
			Network:     "tcp",
			LogLevel:    ptr(slog.LevelDebug),
			AddSource:   ptr(true),
			MetricsAddr: ":9090",
			Decode:      &Decode{Concurrency: 2},
			Worker: &Worker{
				Path:    "builtin",
				Format:  "msgpack",
				Quality: 90,
				LogMode: "none",
			},
		},
	},
	{
		name: "worker_default_format",
		data: `
[worker]
path = "animworker"
args = ["-lines"]
`,
		want: &Host{
			Network: "unix",
			Decode:  &Decode{Concurrency: DefaultConcurrency},
			Worker: &Worker{
				Path:   "animworker",
				Args:   []string{"-lines"},
				Format: "text",
			},
		},
	},
	{
		name:    "unknown_key",
		data:    `netwerk = "tcp"`,
		wantErr: true,
	},
	{
		name:    "invalid_toml",
		data:    `network = `,
		wantErr: true,
	},
	{
		name:    "invalid_value",
		data:    `network = "udp"`,
		wantErr: true,
	},
	{
		name: "invalid_log_level",
		data: `log_level = "loud"`,
		// Rejected by slog.Level text unmarshaling.
		wantErr: true,
	},
}

func TestParse(t *testing.T) {
	for _, test := range parseTests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Parse([]byte(test.data))
			if (err != nil) != test.wantErr {
				t.Fatalf("unexpected error: got:%v want error:%t", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if got.Sum == nil {
				t.Error("missing configuration sum")
			}
			if !cmp.Equal(test.want, got, cmpopts.IgnoreFields(Host{}, "Sum")) {
				t.Errorf("unexpected result:\n--- want:\n+++ got:\n%s",
					cmp.Diff(test.want, got, cmpopts.IgnoreFields(Host{}, "Sum")))
			}
		})
	}
}

func TestParseSum(t *testing.T) {
	a, err := Parse([]byte(`log_level = "info"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Parse([]byte("# comment\nlog_level = \"INFO\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := Parse([]byte(`log_level = "warn"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Sum.Equal(b.Sum) {
		t.Errorf("expected semantically equal configurations to have equal sums: %v != %v", a.Sum, b.Sum)
	}
	if a.Sum.Equal(c.Sum) {
		t.Errorf("expected different configurations to have different sums: %v == %v", a.Sum, c.Sum)
	}
}

func TestDefault(t *testing.T) {
	want := &Host{
		Network: DefaultNetwork,
		Decode:  &Decode{Concurrency: DefaultConcurrency},
	}
	if got := Default(); !cmp.Equal(want, got) {
		t.Errorf("unexpected default configuration:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
}
