// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides configuration loading, validation and live
// reloading.
package config

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/animstream/config"
)

// Alias the publicly visible types.
type (
	Host   = config.Host
	Decode = config.Decode
	Worker = config.Worker
	Sum    = config.Sum
)

// Defaults for unset configuration values.
const (
	DefaultNetwork     = "unix"
	DefaultConcurrency = 4
)

// Load reads, decodes and validates the TOML configuration file at path.
func Load(path string) (*Host, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates a TOML configuration. Unknown keys are an
// error. Defaults are applied to unset values and the returned
// configuration's Sum is set to the SHA-1 sum of its JSON encoding.
func Parse(b []byte) (*Host, error) {
	var cfg Host
	md, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	_, err = Validate(config.Schema, &cfg)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	h := sha1.New()
	err = json.NewEncoder(h).Encode(&cfg)
	if err != nil {
		return nil, err
	}
	cfg.Sum = (*Sum)(h.Sum(nil))
	return &cfg, nil
}

// Default returns the configuration used when no configuration file is
// provided.
func Default() *Host {
	var cfg Host
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Host) {
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.Decode == nil {
		cfg.Decode = &Decode{}
	}
	if cfg.Decode.Concurrency == 0 {
		cfg.Decode.Concurrency = DefaultConcurrency
	}
	if cfg.Worker != nil && cfg.Worker.Format == "" {
		cfg.Worker.Format = "text"
	}
}
