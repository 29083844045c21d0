// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package producer implements an animation producer that probes GIF files
// and streams their composited frames as wire messages.
package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/kortschak/animstream/internal/animation"
	"github.com/kortschak/animstream/wire"
)

// ErrStopped is returned by LoadAnimation when the consumer asked for the
// load to stop.
var ErrStopped = errors.New("load stopped")

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 95

// Sender sends producer messages to a consumer.
type Sender interface {
	Send(ctx context.Context, e wire.Envelope) error
}

// SenderFunc is an adapter to allow the use of ordinary functions as
// Senders.
type SenderFunc func(ctx context.Context, e wire.Envelope) error

func (f SenderFunc) Send(ctx context.Context, e wire.Envelope) error {
	return f(ctx, e)
}

// Producer decodes animated GIF files into frame messages.
type Producer struct {
	quality int
	log     *slog.Logger
}

// New returns a new Producer encoding opaque frames with the given JPEG
// quality. A quality outside [1, 100] is replaced with DefaultQuality.
func New(quality int, log *slog.Logger) *Producer {
	if quality < 1 || 100 < quality {
		quality = DefaultQuality
	}
	return &Producer{
		quality: quality,
		log:     log.With(slog.String("component", "producer")),
	}
}

// IsAnimation probes the image at path. Files that cannot be read or
// decoded are reported as ProbeFailed. Readable images with fewer than two
// frames are NotAnimated.
func (p *Producer) IsAnimation(path string) wire.Probe {
	ctx := context.Background()
	f, err := os.Open(path)
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "probe", slog.String("path", path), slog.Any("error", err))
		return wire.Probe{Kind: wire.ProbeFailed}
	}
	defer f.Close()

	r := animation.AsReadPeeker(f)
	if !animation.IsGIF(r) {
		_, format, err := image.DecodeConfig(r)
		if err != nil {
			p.log.LogAttrs(ctx, slog.LevelWarn, "probe", slog.String("path", path), slog.Any("error", err))
			return wire.Probe{Kind: wire.ProbeFailed}
		}
		p.log.LogAttrs(ctx, slog.LevelDebug, "probe", slog.String("path", path), slog.String("format", format))
		return wire.Probe{Kind: wire.NotAnimated}
	}
	g, err := animation.DecodeGIF(r)
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "probe", slog.String("path", path), slog.Any("error", err))
		return wire.Probe{Kind: wire.ProbeFailed}
	}
	n := g.Len()
	p.log.LogAttrs(ctx, slog.LevelDebug, "probe", slog.String("path", path), slog.String("format", "gif"), slog.Int("frames", n))
	if n < 2 {
		return wire.Probe{Kind: wire.NotAnimated}
	}
	return wire.Probe{Kind: wire.Animated, FrameCount: n, Path: path}
}

// LoadAnimation streams the frames of the GIF at path to dst. It sends the
// animation info followed by each composited frame in order. Before each
// frame is encoded, stop is called with path and the load ends with
// ErrStopped if it returns true. A done message carrying the number of
// frames sent and any error is always sent last unless the info message
// could not be sent.
func (p *Producer) LoadAnimation(ctx context.Context, path string, stop func(path string) bool, dst Sender) error {
	f, err := os.Open(path)
	if err != nil {
		return p.finish(ctx, dst, path, 0, err)
	}
	defer f.Close()
	g, err := animation.DecodeGIF(f)
	if err != nil {
		return p.finish(ctx, dst, path, 0, err)
	}
	return p.stream(ctx, path, g, stop, dst)
}

// stream sends the info, frames and done messages for anim to dst.
func (p *Producer) stream(ctx context.Context, path string, anim animation.Framer, stop func(path string) bool, dst Sender) error {
	err := dst.Send(ctx, wire.InfoEnvelope(wire.Info{FrameCount: anim.Len(), Path: path}))
	if err != nil {
		return fmt.Errorf("send info: %w", err)
	}

	var sent int
	err = anim.Frames(ctx, func(img image.Image, delay time.Duration) error {
		if stop != nil && stop(path) {
			return ErrStopped
		}
		codec, data, err := p.encode(img)
		if err != nil {
			return err
		}
		err = dst.Send(ctx, wire.FrameEnvelope(wire.Frame{
			Codec: codec,
			Path:  path,
			Delay: delay,
			Data:  data,
		}))
		if err != nil {
			return fmt.Errorf("send frame %d: %w", sent, err)
		}
		sent++
		return nil
	})
	return p.finish(ctx, dst, path, sent, err)
}

func (p *Producer) finish(ctx context.Context, dst Sender, path string, sent int, err error) error {
	level := slog.LevelDebug
	done := wire.Done{Path: path, Frames: sent}
	switch {
	case err == nil:
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		done.Err = err.Error()
	default:
		level = slog.LevelWarn
		done.Err = err.Error()
	}
	p.log.LogAttrs(ctx, level, "load finished", slog.String("path", path), slog.Int("frames", sent), slog.Any("error", err))
	// The load may have been cancelled, but the consumer
	// still needs to be told that the stream has ended.
	serr := dst.Send(context.WithoutCancel(ctx), wire.DoneEnvelope(done))
	if serr != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "send done", slog.String("path", path), slog.Any("error", serr))
	}
	return err
}

// encode encodes img as a JPEG if it is opaque and as a PNG otherwise.
func (p *Producer) encode(img image.Image) (wire.Codec, []byte, error) {
	var buf bytes.Buffer
	if opaque(img) {
		err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality})
		return wire.JPEG, buf.Bytes(), err
	}
	err := png.Encode(&buf, img)
	return wire.PNG, buf.Bytes(), err
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
