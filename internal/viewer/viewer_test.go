// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package viewer

import (
	"errors"
	"flag"
	"image"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/animstream/internal/animation"
	"github.com/kortschak/animstream/internal/boundary"
	"github.com/kortschak/animstream/internal/locked"
	"github.com/kortschak/animstream/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
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

// newBoundViewer returns a Viewer whose consumer context is the calling
// goroutine.
func newBoundViewer(t *testing.T, onDone func(*animation.Images, error)) (*Viewer, *boundary.Queue) {
	t.Helper()
	log := newLogger(t)
	q := boundary.New(log)
	_, err := q.Tick()
	if err != nil {
		t.Fatalf("failed to bind consumer context: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return New(q, onDone, log), q
}

func TestViewer(t *testing.T) {
	type done struct {
		path   string
		frames int
		err    error
	}
	var got []done
	v, _ := newBoundViewer(t, func(anim *animation.Images, err error) {
		got = append(got, done{path: anim.Path, frames: anim.Len(), err: err})
	})

	if p := v.CurrentPath(); p != "" {
		t.Errorf("unexpected initial current path: %q", p)
	}
	if v.Animation() != nil {
		t.Error("unexpected animation without selection")
	}
	// Frames without a selection are ignored.
	v.AddAnimationFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), time.Millisecond)

	v.Select(`Dir\Anim.gif`)
	if p := v.CurrentPath(); p != `Dir\Anim.gif` {
		t.Errorf("unexpected current path: got:%q want:%q", p, `Dir\Anim.gif`)
	}

	// Info for another path is ignored.
	v.SetAnimationInfo(7, 24, "other.gif")
	if n := v.Animation().FrameCount; n != 0 {
		t.Errorf("unexpected frame count from stale info: %d", n)
	}
	// Info paths arrive normalized.
	v.SetAnimationInfo(2, 24, "dir/anim.gif")
	anim := v.Animation()
	if anim.FrameCount != 2 || anim.FPS != 24 {
		t.Errorf("unexpected animation info: frame_count=%d fps=%d", anim.FrameCount, anim.FPS)
	}

	v.AddAnimationFrame(image.NewRGBA(image.Rect(0, 0, 2, 2)), 10*time.Millisecond)
	v.AddAnimationFrame(image.NewRGBA(image.Rect(0, 0, 2, 2)), 20*time.Millisecond)
	if !cmp.Equal(anim.Delay, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}) {
		t.Errorf("unexpected frame delays: %v", anim.Delay)
	}

	v.AnimationDone("other.gif", 2, nil)
	if len(got) != 0 {
		t.Errorf("unexpected done callback for stale path: %+v", got)
	}
	errEarly := errors.New("stopped early")
	v.AnimationDone("dir/anim.gif", 2, errEarly)
	want := []done{{path: `Dir\Anim.gif`, frames: 2, err: errEarly}}
	if !cmp.Equal(want, got, cmp.AllowUnexported(done{}), cmp.Comparer(func(a, b error) bool { return a == b })) {
		t.Errorf("unexpected done callbacks: got:%+v want:%+v", got, want)
	}

	// Selecting a new path discards the frames.
	v.Select("next.gif")
	if n := v.Animation().Len(); n != 0 {
		t.Errorf("unexpected frames after new selection: %d", n)
	}
	v.Select(" ")
	if v.Animation() != nil {
		t.Error("unexpected animation after clearing selection")
	}
}

func TestViewerOffContext(t *testing.T) {
	v, _ := newBoundViewer(t, nil)
	v.Select("a.gif")

	tests := []struct {
		name string
		fn   func()
	}{
		{name: "select", fn: func() { v.Select("b.gif") }},
		{name: "info", fn: func() { v.SetAnimationInfo(1, 24, "a.gif") }},
		{name: "frame", fn: func() { v.AddAnimationFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), 0) }},
		{name: "done", fn: func() { v.AnimationDone("a.gif", 1, nil) }},
		{name: "animation", fn: func() { v.Animation() }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			panicked := make(chan bool)
			go func() {
				defer func() {
					panicked <- recover() != nil
				}()
				test.fn()
			}()
			if !<-panicked {
				t.Errorf("expected panic calling %s off consumer context", test.name)
			}
		})
	}

	// CurrentPath may be read from any goroutine.
	path := make(chan string)
	go func() { path <- v.CurrentPath() }()
	if p := <-path; p != "a.gif" {
		t.Errorf("unexpected current path: got:%q want:%q", p, "a.gif")
	}
}
