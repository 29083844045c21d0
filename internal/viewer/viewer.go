// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package viewer provides a headless animation consumer. A Viewer owns the
// currently selected path and the frames received for it. Apart from
// CurrentPath, its methods must only be called on the consumer context of
// the boundary.Queue it was constructed with.
package viewer

import (
	"context"
	"image"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kortschak/animstream/internal/animation"
	"github.com/kortschak/animstream/internal/boundary"
	"github.com/kortschak/animstream/internal/slogext"
	"github.com/kortschak/animstream/wire"
)

// Viewer is a consumer sink for animation frames.
type Viewer struct {
	q   *boundary.Queue
	log *slog.Logger

	// current is published for readers on
	// any goroutine and only written on the
	// consumer context.
	current atomic.Pointer[string]

	// anim is the animation being assembled
	// for the current path.
	anim *animation.Images

	onDone func(*animation.Images, error)
}

// New returns a new Viewer confined to the consumer context of q. If
// onDone is not nil, it is called on the consumer context with the
// assembled animation when the stream for the current path ends.
func New(q *boundary.Queue, onDone func(anim *animation.Images, err error), log *slog.Logger) *Viewer {
	return &Viewer{
		q:      q,
		onDone: onDone,
		log:    log.With(slog.String("component", "viewer")),
	}
}

func (v *Viewer) mustBeOnContext(method string) {
	if !v.q.OnContext() {
		panic("viewer: " + method + " called off consumer context")
	}
}

// CurrentPath returns the selected path. It is safe to call from any
// goroutine.
func (v *Viewer) CurrentPath() string {
	p := v.current.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Select makes path the current path and discards any frames held for
// the previous selection. Selecting a blank path clears the selection.
func (v *Viewer) Select(path string) {
	v.mustBeOnContext("Select")
	v.current.Store(&path)
	if strings.TrimSpace(path) == "" {
		v.anim = nil
	} else {
		v.anim = &animation.Images{Path: path}
	}
	v.log.LogAttrs(context.Background(), slog.LevelDebug, "select", slog.String("path", path))
}

// SetAnimationInfo records the announced frame count and rate for path.
// Info for a path other than the current path is ignored.
func (v *Viewer) SetAnimationInfo(frameCount, fps int, path string) {
	v.mustBeOnContext("SetAnimationInfo")
	if v.anim == nil || !wire.Equal(path, v.CurrentPath()) {
		v.log.LogAttrs(context.Background(), slog.LevelDebug, "ignore stale info", slog.String("path", path))
		return
	}
	v.anim.FrameCount = frameCount
	v.anim.FPS = fps
	v.log.LogAttrs(context.Background(), slog.LevelDebug, "animation info", slog.String("path", path), slog.Int("frames", frameCount), slog.Int("fps", fps))
}

// AddAnimationFrame appends a frame to the current animation.
func (v *Viewer) AddAnimationFrame(img image.Image, delay time.Duration) {
	v.mustBeOnContext("AddAnimationFrame")
	if v.anim == nil {
		v.log.LogAttrs(context.Background(), slog.LevelDebug, "ignore frame without selection")
		return
	}
	v.anim.Append(img, delay)
	v.log.LogAttrs(context.Background(), slog.LevelDebug, "frame", slog.Int("index", v.anim.Len()-1), slog.Duration("delay", delay), slog.Any("image", slogext.Image{Image: img}))
}

// AnimationDone marks the end of the stream for path.
func (v *Viewer) AnimationDone(path string, frames int, err error) {
	v.mustBeOnContext("AnimationDone")
	if v.anim == nil || !wire.Equal(path, v.CurrentPath()) {
		return
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	v.log.LogAttrs(context.Background(), level, "animation done", slog.String("path", path), slog.Int("sent", frames), slog.Int("received", v.anim.Len()), slog.Any("error", err))
	if v.onDone != nil {
		v.onDone(v.anim, err)
	}
}

// Animation returns the animation assembled for the current path. It
// returns nil if there is no selection.
func (v *Viewer) Animation() *animation.Images {
	v.mustBeOnContext("Animation")
	return v.anim
}
