// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xdg locates user and system configuration files.
package xdg

import (
	"os"
	"path/filepath"
	"syscall"
)

// Config returns the path to the named configuration file. The user's
// configuration directory is searched first, then the system directories
// in order. If no file is found Config returns ENOENT.
func Config(name string) (string, error) {
	for _, dir := range ConfigDirs() {
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err == nil && fi.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", syscall.ENOENT
}

// ConfigDirs returns the configuration search path, most specific first.
func ConfigDirs() []string {
	var dirs []string
	home, ok := lookup(keyConfigHome, defConfigHome, envHome)
	if ok {
		dirs = append(dirs, home)
	}
	global, ok := lookup(keyConfigDirs, defConfigDirs, "")
	if ok {
		for _, dir := range filepath.SplitList(global) {
			if dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// lookup returns the value of the key environment variable if it is set.
// Otherwise it returns def, joined to the directory in the home environment
// variable when def is relative and home is not empty.
func lookup(key, def, home string) (string, bool) {
	if key != "" {
		val, ok := os.LookupEnv(key)
		if ok && val != "" {
			return val, true
		}
	}
	if def == "" {
		return "", false
	}
	if home == "" || filepath.IsAbs(def) {
		return def, true
	}
	base, ok := os.LookupEnv(home)
	if !ok || base == "" {
		return "", false
	}
	return filepath.Join(base, def), true
}
