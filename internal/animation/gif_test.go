// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	red   = color.RGBA{R: 0xff, A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	blue  = color.RGBA{B: 0xff, A: 0xff}
)

// testGIF returns an encoded three frame 4x4 GIF. The first frame fills
// the canvas with red, the second paints green into the top-left 2x2 and
// the third paints blue into the bottom-right 2x2 after the second frame
// is disposed to the previous canvas.
func testGIF(t *testing.T) []byte {
	t.Helper()
	pal := color.Palette{color.Transparent, red, green, blue}
	fill := func(r image.Rectangle, idx uint8) *image.Paletted {
		p := image.NewPaletted(r, pal)
		for i := range p.Pix {
			p.Pix[i] = idx
		}
		return p
	}
	g := &gif.GIF{
		Image: []*image.Paletted{
			fill(image.Rect(0, 0, 4, 4), 1),
			fill(image.Rect(0, 0, 2, 2), 2),
			fill(image.Rect(2, 2, 4, 4), 3),
		},
		Delay:    []int{5, 10, 20},
		Disposal: []byte{gif.DisposalNone, gif.DisposalPrevious, gif.DisposalNone},
		Config: image.Config{
			ColorModel: pal,
			Width:      4,
			Height:     4,
		},
	}
	var buf bytes.Buffer
	err := gif.EncodeAll(&buf, g)
	if err != nil {
		t.Fatalf("unexpected error encoding test GIF: %v", err)
	}
	return buf.Bytes()
}

func TestIsGIF(t *testing.T) {
	if !IsGIF(AsReadPeeker(bytes.NewReader(testGIF(t)))) {
		t.Error("failed to identify GIF data")
	}
	if IsGIF(AsReadPeeker(strings.NewReader("\x89PNG\r\n"))) {
		t.Error("unexpected GIF identification for PNG magic")
	}
	if IsGIF(AsReadPeeker(strings.NewReader("GIF"))) {
		t.Error("unexpected GIF identification for short data")
	}
}

func TestFrames(t *testing.T) {
	g, err := DecodeGIF(bytes.NewReader(testGIF(t)))
	if err != nil {
		t.Fatalf("unexpected error decoding GIF: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("unexpected frame count: got:%d want:3", g.Len())
	}

	type sample struct {
		TopLeft, BottomRight color.RGBA
		Delay                time.Duration
	}
	var got []sample
	err = g.Frames(context.Background(), func(img image.Image, delay time.Duration) error {
		if img.Bounds() != image.Rect(0, 0, 4, 4) {
			t.Errorf("unexpected frame bounds: %v", img.Bounds())
		}
		got = append(got, sample{
			TopLeft:     color.RGBAModel.Convert(img.At(0, 0)).(color.RGBA),
			BottomRight: color.RGBAModel.Convert(img.At(3, 3)).(color.RGBA),
			Delay:       delay,
		})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error rendering frames: %v", err)
	}
	want := []sample{
		{TopLeft: red, BottomRight: red, Delay: 50 * time.Millisecond},
		{TopLeft: green, BottomRight: red, Delay: 100 * time.Millisecond},
		// The green frame was disposed to the previous canvas.
		{TopLeft: red, BottomRight: blue, Delay: 200 * time.Millisecond},
	}
	if !cmp.Equal(got, want) {
		t.Errorf("unexpected frames:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
}

func TestFramesStop(t *testing.T) {
	g, err := DecodeGIF(bytes.NewReader(testGIF(t)))
	if err != nil {
		t.Fatalf("unexpected error decoding GIF: %v", err)
	}
	errStop := errors.New("stop")
	var n int
	err = g.Frames(context.Background(), func(image.Image, time.Duration) error {
		n++
		if n == 2 {
			return errStop
		}
		return nil
	})
	if err != errStop {
		t.Errorf("unexpected error: got:%v want:%v", err, errStop)
	}
	if n != 2 {
		t.Errorf("unexpected number of frames rendered: got:%d want:2", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = g.Frames(ctx, func(image.Image, time.Duration) error {
		t.Error("unexpected frame after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: got:%v want:%v", err, context.Canceled)
	}
}

func TestImagesEncodeGIF(t *testing.T) {
	g, err := DecodeGIF(bytes.NewReader(testGIF(t)))
	if err != nil {
		t.Fatalf("unexpected error decoding GIF: %v", err)
	}
	anim := &Images{Path: "test.gif", FrameCount: g.Len(), FPS: 24}
	err = g.Frames(context.Background(), func(img image.Image, delay time.Duration) error {
		anim.Append(img, delay)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error rendering frames: %v", err)
	}
	if !anim.Complete() {
		t.Errorf("expected complete animation: %d of %d frames", anim.Len(), anim.FrameCount)
	}
	if got, want := anim.Duration(), 350*time.Millisecond; got != want {
		t.Errorf("unexpected duration: got:%v want:%v", got, want)
	}

	var buf bytes.Buffer
	err = anim.EncodeGIF(&buf)
	if err != nil {
		t.Fatalf("unexpected error encoding: %v", err)
	}
	round, err := gif.DecodeAll(&buf)
	if err != nil {
		t.Fatalf("unexpected error decoding exported GIF: %v", err)
	}
	if !cmp.Equal(round.Delay, []int{5, 10, 20}) {
		t.Errorf("unexpected exported delays: %v", round.Delay)
	}

	err = (&Images{}).EncodeGIF(&buf)
	if err == nil {
		t.Error("expected error encoding empty animation")
	}
}
