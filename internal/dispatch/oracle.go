// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"strings"

	"github.com/kortschak/animstream/wire"
)

// PathReader wraps the CurrentPath method. CurrentPath must be safe to
// call from any goroutine.
type PathReader interface {
	CurrentPath() string
}

// Oracle answers whether loading for a path should continue. It holds no
// state of its own; the active request is derived from the consumer's
// current path on every query.
type Oracle struct {
	current PathReader
}

// NewOracle returns an Oracle that consults current.
func NewOracle(current PathReader) Oracle {
	return Oracle{current: current}
}

// ShouldStop returns whether loading path should stop. A blank current
// path never stops a load.
func (o Oracle) ShouldStop(path string) bool {
	curr := o.current.CurrentPath()
	if strings.TrimSpace(curr) == "" {
		return false
	}
	return wire.Normalize(curr) != wire.Normalize(path)
}
