// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package animation provides animated image support.
package animation

import (
	"context"
	"image"
	"time"
)

// Framer is an image that can enumerate its animation frames.
type Framer interface {
	// Frames calls fn on each fully rendered frame in display
	// order with the delay before the next frame is shown.
	Frames(ctx context.Context, fn func(image.Image, time.Duration) error) error
	// Len returns the number of frames.
	Len() int
	image.Image
}
