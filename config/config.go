// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides animstream configuration types and schemas.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Host is a complete host configuration.
type Host struct {
	// Network is the network the host communicates
	// with its worker on, "unix" or "tcp".
	Network   string      `json:"network,omitempty" toml:"network"`
	LogLevel  *slog.Level `json:"log_level,omitempty" toml:"log_level"`
	AddSource *bool       `json:"log_add_source,omitempty" toml:"log_add_source"`
	// MetricsAddr is the address to serve Prometheus
	// metrics on. Metrics are not served if it is empty.
	MetricsAddr string `json:"metrics_addr,omitempty" toml:"metrics_addr"`

	Decode *Decode `json:"decode,omitempty" toml:"decode"`
	// Worker is the animation worker configuration.
	// If Worker is nil, frames are produced in-process.
	Worker *Worker `json:"worker,omitempty" toml:"worker"`

	Sum *Sum `json:"sum,omitempty" toml:"-"`
}

// Decode is the frame decoder configuration.
type Decode struct {
	// Concurrency is the maximum number of
	// concurrent frame decodes.
	Concurrency int `json:"concurrency,omitempty" toml:"concurrency"`
}

// Worker is an animation worker configuration.
type Worker struct {
	// Path is the path to the worker's executable.
	// The path "builtin" runs the worker within the
	// host process, communicating over RPC.
	Path string `json:"path,omitempty" toml:"path"`
	// Args is any additional arguments pass to the worker's
	// executable at start up.
	Args []string `json:"args,omitempty" toml:"args"`
	// Format is the message format the worker sends
	// frames with; "text" or "msgpack".
	Format string `json:"format,omitempty" toml:"format"`
	// Quality is the JPEG quality used for opaque frames.
	Quality  int         `json:"quality,omitempty" toml:"quality"`
	LogLevel *slog.Level `json:"log_level,omitempty" toml:"log_level"`
	// LogMode specifies how worker logging is handled
	// by the host; options are "log", "passthrough"
	// and "none". The default behaviour is "passthrough".
	// Workers must support the -log_stdout flag to use
	// the "log" option. This flag will be added if not
	// already included in Args.
	//
	//  log:         stdout → stderr
	//               stderr → capture and log via host logger
	//
	//  passthrough: stdout → stdout
	//               stderr → stderr
	//
	//  none:        stdout → /dev/null
	//               stderr → /dev/null
	//
	LogMode string `json:"log_mode,omitempty" toml:"log_mode"`
}

// Builtin is the worker path for an in-process worker.
const Builtin = "builtin"

// Schema is the schema for a valid configuration.
const Schema = `
{
	network:         *"unix" | "tcp"
	log_level?:      _#log_level
	log_add_source?: bool
	metrics_addr?:   =~"^[^:]*:[0-9]+$"
	decode?:         _#decode
	worker?:         _#worker
	sum?:            _
}

_#decode: {
	concurrency?: int & >=1 & <=64
}

_#worker: {
	path:       !=""
	args?:      [... string]
	format?:    "text" | "msgpack"
	quality?:   int & >=1 & <=100
	log_level?: _#log_level
	log_mode?:  _#log_mode
}

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
_#log_mode: "log" | "passthrough" | "none"
`

// Sum is a comparable optional SHA-1 sum.
type Sum [sha1.Size]byte

// Equal returns whether s is equal to other.
func (s *Sum) Equal(other *Sum) bool {
	switch {
	case s == other:
		return true
	case s != nil && other != nil:
		return *s == *other
	default:
		return false
	}
}

func (s *Sum) String() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s[:])
}

func (s *Sum) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(s)) {
		return fmt.Errorf("invalid length: %d != %d", len(text), hex.EncodedLen(len(s)))
	}
	_, err := hex.Decode(s[:], text)
	if err != nil {
		return err
	}
	return nil
}

func (s *Sum) MarshalText() (text []byte, err error) {
	if s == nil {
		return nil, nil
	}
	text = make([]byte, hex.EncodedLen(len(s)))
	hex.Encode(text, s[:])
	return text, nil
}
