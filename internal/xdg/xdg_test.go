// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xdg

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

var lookupTests = []struct {
	name string
	set  map[string]string

	key, def, home string

	want   string
	wantOK bool
}{
	{
		name: "env",
		set: map[string]string{
			"TEST_XDG_HOME": "testdata/home",
			"TEST_XDG_KEY":  "testdata/home/dir",
		},
		key:  "TEST_XDG_KEY",
		def:  "testdata/global_dir",
		home: "TEST_XDG_HOME",

		want:   "testdata/home/dir",
		wantOK: true,
	},
	{
		name: "relative_default",
		set: map[string]string{
			"TEST_XDG_HOME": "testdata/home",
		},
		key:  "TEST_XDG_KEY",
		def:  "testdata/global_dir",
		home: "TEST_XDG_HOME",

		want:   "testdata/home/testdata/global_dir",
		wantOK: true,
	},
	{
		name: "empty_env",
		set: map[string]string{
			"TEST_XDG_HOME": "testdata/home",
			"TEST_XDG_KEY":  "",
		},
		key:  "TEST_XDG_KEY",
		def:  "testdata/global_dir",
		home: "TEST_XDG_HOME",

		want:   "testdata/home/testdata/global_dir",
		wantOK: true,
	},
	{
		name: "no_default",
		set: map[string]string{
			"TEST_XDG_HOME": "testdata/home",
		},
		key:  "TEST_XDG_KEY",
		def:  "",
		home: "TEST_XDG_HOME",

		want:   "",
		wantOK: false,
	},
	{
		name: "no_home",
		key:  "TEST_XDG_KEY",
		def:  "testdata/global_dir",
		home: "",

		want:   "testdata/global_dir",
		wantOK: true,
	},
	{
		name: "missing_home",
		key:  "TEST_XDG_KEY",
		def:  "testdata/global_dir",
		home: "TEST_XDG_MISSING",

		want:   "",
		wantOK: false,
	},
}

func TestLookup(t *testing.T) {
	for _, test := range lookupTests {
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.set {
				t.Setenv(k, v)
			}
			got, gotOK := lookup(test.key, test.def, test.home)
			if gotOK != test.wantOK {
				t.Errorf("unexpected ok: got:%t want:%t", gotOK, test.wantOK)
			}
			if got != test.want {
				t.Errorf("unexpected result: got:%q want:%q", got, test.want)
			}
		})
	}
}

func TestConfig(t *testing.T) {
	if keyConfigHome == "" {
		t.Skip("configuration directory is not set by environment on this platform")
	}
	home := t.TempDir()
	global := t.TempDir()
	t.Setenv(keyConfigHome, home)
	t.Setenv(keyConfigDirs, global)

	_, err := Config(filepath.Join("app", "app.toml"))
	if err != syscall.ENOENT {
		t.Errorf("unexpected error for missing file: got:%v want:%v", err, syscall.ENOENT)
	}

	for _, dir := range []string{global, home} {
		err = os.MkdirAll(filepath.Join(dir, "app"), 0o755)
		if err != nil {
			t.Fatalf("failed to make directory: %v", err)
		}
		want := filepath.Join(dir, "app", "app.toml")
		err = os.WriteFile(want, nil, 0o644)
		if err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		got, err := Config(filepath.Join("app", "app.toml"))
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("unexpected path: got:%q want:%q", got, want)
		}
	}
}
