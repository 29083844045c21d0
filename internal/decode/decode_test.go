// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/kortschak/animstream/wire"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 64), B: 0x80, A: 0xff})
		}
	}
	return img
}

func encode(t *testing.T, codec wire.Codec) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch codec {
	case wire.JPEG:
		err = jpeg.Encode(&buf, testImage(), &jpeg.Options{Quality: 95})
	case wire.PNG:
		err = png.Encode(&buf, testImage())
	default:
		t.Fatalf("no test encoder for %s", codec)
	}
	if err != nil {
		t.Fatalf("unexpected error encoding %s: %v", codec, err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	e := NewEngine(2)
	defer e.Close()
	for _, codec := range []wire.Codec{wire.JPEG, wire.PNG} {
		t.Run(codec.String(), func(t *testing.T) {
			img, err := e.Decode(context.Background(), encode(t, codec), codec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got, want := img.Bounds(), testImage().Bounds(); got != want {
				t.Errorf("unexpected bounds: got:%v want:%v", got, want)
			}
		})
	}
}

func TestDecodeError(t *testing.T) {
	e := NewEngine(1)
	defer e.Close()
	for _, codec := range []wire.Codec{wire.JPEG, wire.WEBP, wire.PNG} {
		_, err := e.Decode(context.Background(), []byte("ABC"), codec)
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Errorf("unexpected error type for %s: %T", codec, err)
			continue
		}
		if derr.Codec != codec {
			t.Errorf("unexpected codec in error: got:%s want:%s", derr.Codec, codec)
		}
	}
	_, err := e.Decode(context.Background(), []byte("ABC"), wire.Codec(99))
	if !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("unexpected error for unknown codec: got:%v want:%v", err, ErrUnknownCodec)
	}
}

func TestRegister(t *testing.T) {
	e := NewEngine(1)
	defer e.Close()
	want := image.NewGray(image.Rect(0, 0, 1, 1))
	e.Register(wire.WEBP, func(io.Reader) (image.Image, error) { return want, nil })
	got, err := e.Decode(context.Background(), nil, wire.WEBP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != image.Image(want) {
		t.Error("registered decoder not used")
	}
	e.Register(wire.WEBP, nil)
	_, err = e.Decode(context.Background(), nil, wire.WEBP)
	if !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("unexpected error for removed codec: got:%v want:%v", err, ErrUnknownCodec)
	}
}

func TestCloseWaitsForInFlight(t *testing.T) {
	e := NewEngine(1)
	started := make(chan struct{})
	release := make(chan struct{})
	e.Register(wire.PNG, func(io.Reader) (image.Image, error) {
		close(started)
		<-release
		return image.NewGray(image.Rect(0, 0, 1, 1)), nil
	})

	errc := make(chan error, 1)
	go func() {
		_, err := e.Decode(context.Background(), nil, wire.PNG)
		errc <- err
	}()
	<-started

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned before in-flight decode completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	if err := <-errc; err != nil {
		t.Errorf("unexpected error from in-flight decode: %v", err)
	}

	_, err := e.Decode(context.Background(), nil, wire.PNG)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("unexpected error after close: got:%v want:%v", err, ErrClosed)
	}
}

func TestDecodeContextCancelled(t *testing.T) {
	e := NewEngine(1)
	defer e.Close()
	release := make(chan struct{})
	started := make(chan struct{})
	e.Register(wire.PNG, func(io.Reader) (image.Image, error) {
		close(started)
		<-release
		return nil, errors.New("released")
	})
	go e.Decode(context.Background(), nil, wire.PNG)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Decode(ctx, nil, wire.PNG)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error waiting for saturated engine: got:%v want:%v", err, context.Canceled)
	}
	close(release)
}
