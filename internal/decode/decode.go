// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode provides the image decoding engine used for animation
// frames.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"github.com/kortschak/animstream/wire"
)

var (
	// ErrClosed is returned by Decode after the engine has been closed.
	ErrClosed = errors.New("decode engine closed")
	// ErrUnknownCodec is wrapped by a DecodeError when no decoder is
	// registered for a codec.
	ErrUnknownCodec = errors.New("unknown codec")
)

// DecodeError is a failure to decode frame data.
type DecodeError struct {
	Codec wire.Codec
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Func is an image decoder for a single codec.
type Func func(io.Reader) (image.Image, error)

// Engine decodes encoded frame data by codec. An Engine is a long-lived
// resource that must be closed when no longer needed.
type Engine struct {
	sem    *semaphore.Weighted
	weight int64

	mu       sync.RWMutex
	decoders map[wire.Codec]Func

	closed atomic.Bool
}

// NewEngine returns an Engine that runs at most concurrency decodes at a
// time. If concurrency is less than one, a single decode is allowed. The
// returned engine can decode JPEG, WebP and PNG data.
func NewEngine(concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		weight: int64(concurrency),
		decoders: map[wire.Codec]Func{
			wire.JPEG: jpeg.Decode,
			wire.WEBP: webp.Decode,
			wire.PNG:  png.Decode,
		},
	}
}

// Register sets the decoder used for codec c, replacing any existing
// decoder. If fn is nil, the codec is removed.
func (e *Engine) Register(c wire.Codec, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.decoders, c)
		return
	}
	e.decoders[c] = fn
}

// Decode decodes data according to codec. Decoder failures are returned
// as a *DecodeError. Decode blocks while the engine is at its concurrency
// limit, returning ctx.Err() if ctx is done before a slot is available.
// Once started, a decode runs to completion.
func (e *Engine) Decode(ctx context.Context, data []byte, codec wire.Codec) (image.Image, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.RLock()
	fn, ok := e.decoders[codec]
	e.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{Codec: codec, Err: ErrUnknownCodec}
	}

	err := e.sem.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	if e.closed.Load() {
		return nil, ErrClosed
	}

	img, err := fn(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Codec: codec, Err: err}
	}
	return img, nil
}

// Close waits for in-flight decodes to complete and releases the engine.
// Subsequent calls to Decode return ErrClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	err := e.sem.Acquire(context.Background(), e.weight)
	if err != nil {
		return err
	}
	e.sem.Release(e.weight)
	return nil
}
