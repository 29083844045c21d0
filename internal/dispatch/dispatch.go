// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch provides the frame dispatcher that moves animation
// messages from a producer to a consumer sink.
//
// Dispatch methods run on the producer's goroutine and may block on
// decoding. All calls into the sink other than CurrentPath are posted to
// the consumer's execution context through a [Poster]. Failures drop the
// message being handled and are never returned to the producer.
package dispatch

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"time"

	"github.com/kortschak/animstream/wire"
)

// FPS is the nominal frame rate reported for every animation.
const FPS = 24

// Sink is the consumer of animation info and frames. SetAnimationInfo
// and AddAnimationFrame are only called on the consumer's execution
// context.
type Sink interface {
	PathReader
	SetAnimationInfo(frameCount, fps int, path string)
	AddAnimationFrame(img image.Image, delay time.Duration)
}

// Finisher is implemented by sinks that want to be told when an animation
// stream ends. A non-nil err indicates that the producer stopped early.
type Finisher interface {
	AnimationDone(path string, frames int, err error)
}

// Poster schedules actions onto the consumer's execution context.
type Poster interface {
	Post(action func()) error
}

// Decoder decodes frame data.
type Decoder interface {
	Decode(ctx context.Context, data []byte, codec wire.Codec) (image.Image, error)
}

// Frame is a decoded animation frame.
type Frame struct {
	Image image.Image
	Delay time.Duration
}

// Dispatcher is the animation frame dispatcher.
type Dispatcher struct {
	sink     Sink
	boundary Poster
	decoder  Decoder
	oracle   Oracle

	metrics *Metrics
	log     *slog.Logger
}

// New returns a new Dispatcher delivering to sink through boundary and
// decoding frames with decoder. metrics may be nil.
func New(sink Sink, boundary Poster, decoder Decoder, metrics *Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		boundary: boundary,
		decoder:  decoder,
		oracle:   NewOracle(sink),
		metrics:  metrics,
		log:      log.With(slog.String("component", "dispatcher")),
	}
}

// ShouldStop returns whether loading path should stop.
func (d *Dispatcher) ShouldStop(path string) bool {
	return d.oracle.ShouldStop(path)
}

// DispatchInfo handles a raw animation info message.
func (d *Dispatcher) DispatchInfo(ctx context.Context, raw string) {
	m, err := wire.ParseInfo(raw)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "drop info", slog.String("reason", Malformed), slog.Any("error", err))
		d.metrics.infoOutcome(Malformed)
		return
	}
	d.info(ctx, m)
}

// DispatchFrame handles a raw animation frame message.
func (d *Dispatcher) DispatchFrame(ctx context.Context, raw string) {
	m, err := wire.ParseFrame(raw)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "drop frame", slog.String("reason", Malformed), slog.Any("error", err))
		d.metrics.frame(Malformed)
		return
	}
	d.frame(ctx, m)
}

// DispatchDone handles a raw end of stream message.
func (d *Dispatcher) DispatchDone(ctx context.Context, raw string) {
	m, err := wire.ParseDone(raw)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "drop done", slog.String("reason", Malformed), slog.Any("error", err))
		d.metrics.doneOutcome(Malformed)
		return
	}
	d.done(ctx, m)
}

// DispatchEnvelope handles a msgpack encoded envelope. An envelope that
// cannot be decoded is counted as a malformed frame.
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, data []byte) {
	e, err := wire.Unmarshal(data)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "drop envelope", slog.String("reason", Malformed), slog.Int("len", len(data)), slog.Any("error", err))
		d.metrics.frame(Malformed)
		return
	}
	d.Dispatch(ctx, e)
}

// Dispatch handles a typed producer message.
func (d *Dispatcher) Dispatch(ctx context.Context, e wire.Envelope) {
	err := e.Validate()
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "drop envelope", slog.String("reason", Malformed), slog.Any("error", err))
		switch e.Kind {
		case wire.KindInfo:
			d.metrics.infoOutcome(Malformed)
		case wire.KindDone:
			d.metrics.doneOutcome(Malformed)
		default:
			d.metrics.frame(Malformed)
		}
		return
	}
	switch e.Kind {
	case wire.KindInfo:
		d.info(ctx, *e.Info)
	case wire.KindFrame:
		d.frame(ctx, *e.Frame)
	case wire.KindDone:
		d.done(ctx, *e.Done)
	}
}

func (d *Dispatcher) info(ctx context.Context, m wire.Info) {
	path := wire.Normalize(m.Path)
	n := m.FrameCount
	err := d.boundary.Post(func() {
		d.sink.SetAnimationInfo(n, FPS, path)
	})
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelInfo, "drop info", slog.String("path", path), slog.String("reason", Unavailable), slog.Any("error", err))
		d.metrics.infoOutcome(Unavailable)
		return
	}
	d.metrics.infoOutcome(Delivered)
}

func (d *Dispatcher) frame(ctx context.Context, m wire.Frame) {
	path := wire.Normalize(m.Path)
	if d.oracle.ShouldStop(path) {
		d.drop(ctx, path, CancelledBeforeDecode, nil)
		return
	}

	start := time.Now()
	img, err := d.decoder.Decode(ctx, m.Data, m.Codec)
	d.metrics.decoded(time.Since(start))
	if err != nil {
		d.drop(ctx, path, DecodeFailed, err)
		return
	}

	// The current path may have changed while decoding.
	if d.oracle.ShouldStop(path) {
		d.drop(ctx, path, CancelledAfterDecode, nil)
		return
	}

	f := Frame{Image: img, Delay: m.Delay}
	err = d.boundary.Post(func() {
		if d.oracle.ShouldStop(path) {
			d.drop(context.Background(), path, CancelledBeforeDelivery, nil)
			return
		}
		d.sink.AddAnimationFrame(f.Image, f.Delay)
		d.metrics.frame(Delivered)
	})
	if err != nil {
		d.drop(ctx, path, Unavailable, err)
	}
}

func (d *Dispatcher) drop(ctx context.Context, path, reason string, err error) {
	d.metrics.frame(reason)
	switch {
	case err == nil:
		d.log.LogAttrs(ctx, slog.LevelDebug, "drop frame", slog.String("path", path), slog.String("reason", reason))
	case errors.Is(err, context.Canceled), reason == Unavailable:
		d.log.LogAttrs(ctx, slog.LevelInfo, "drop frame", slog.String("path", path), slog.String("reason", reason), slog.Any("error", err))
	default:
		d.log.LogAttrs(ctx, slog.LevelWarn, "drop frame", slog.String("path", path), slog.String("reason", reason), slog.Any("error", err))
	}
}

func (d *Dispatcher) done(ctx context.Context, m wire.Done) {
	path := wire.Normalize(m.Path)
	fin, ok := d.sink.(Finisher)
	if !ok {
		d.metrics.doneOutcome("ignored")
		return
	}
	if d.oracle.ShouldStop(path) {
		d.log.LogAttrs(ctx, slog.LevelDebug, "drop done", slog.String("path", path), slog.String("reason", "cancelled"))
		d.metrics.doneOutcome("cancelled")
		return
	}
	var err error
	if m.Err != "" {
		err = errors.New(m.Err)
	}
	frames := m.Frames
	postErr := d.boundary.Post(func() {
		if d.oracle.ShouldStop(path) {
			d.metrics.doneOutcome("cancelled")
			return
		}
		fin.AnimationDone(path, frames, err)
		d.metrics.doneOutcome(Delivered)
	})
	if postErr != nil {
		d.log.LogAttrs(ctx, slog.LevelInfo, "drop done", slog.String("path", path), slog.String("reason", Unavailable), slog.Any("error", postErr))
		d.metrics.doneOutcome(Unavailable)
	}
}
