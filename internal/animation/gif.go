// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"time"

	"golang.org/x/image/draw"
)

// IsGIF returns whether the data held by r is a GIF image.
func IsGIF(r ReadPeeker) bool {
	return hasMagic("GIF8?a", r)
}

// ReadPeeker is an io.Reader that can also peek n bytes ahead.
type ReadPeeker interface {
	io.Reader
	Peek(n int) ([]byte, error)
}

// AsReadPeeker converts an io.Reader to a ReadPeeker.
func AsReadPeeker(r io.Reader) ReadPeeker {
	if r, ok := r.(ReadPeeker); ok {
		return r
	}
	return bufio.NewReader(r)
}

// hasMagic returns whether r starts with the provided magic bytes.
func hasMagic(magic string, r ReadPeeker) bool {
	b, err := r.Peek(len(magic))
	if err != nil || len(b) != len(magic) {
		return false
	}
	for i, c := range b {
		if magic[i] != c && magic[i] != '?' {
			return false
		}
	}
	return true
}

// GIF is a decoded GIF animation. The GIF [image.Image] implementation
// is the first frame.
type GIF struct {
	*gif.GIF
}

// DecodeGIF returns a [GIF] decoded from the provided io.Reader. GIF delay,
// disposal and global background index values are checked for validity.
func DecodeGIF(r io.Reader) (*GIF, error) {
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, err
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("no frames")
	}
	if len(g.Image) != len(g.Delay) && g.Delay != nil {
		return nil, fmt.Errorf("mismatched image count and delay count: %d != %d", len(g.Image), len(g.Delay))
	}
	if len(g.Image) != len(g.Disposal) && g.Disposal != nil {
		return nil, fmt.Errorf("mismatched image count and disposal count: %d != %d", len(g.Image), len(g.Disposal))
	}
	pal, ok := g.Config.ColorModel.(color.Palette)
	if idx := int(g.BackgroundIndex); ok && idx >= len(pal) {
		return nil, fmt.Errorf("global background colour index not in palette: %d", idx)
	}
	return &GIF{GIF: g}, nil
}

var _ Framer = (*GIF)(nil)

// Len returns the number of frames in the animation.
func (img *GIF) Len() int {
	return len(img.Image)
}

// ColorModel implements the image.Image interface. If the GIF has a global
// color table, its color model is returned, otherwise the first frame's
// model is used.
func (img *GIF) ColorModel() color.Model {
	if img.Config.ColorModel != nil {
		return img.Config.ColorModel
	}
	return img.GIF.Image[0].ColorModel()
}

// Bounds implements the image.Image interface.
func (img *GIF) Bounds() image.Rectangle {
	return img.canvas()
}

// At implements the image.Image interface.
func (img *GIF) At(x, y int) color.Color {
	return img.GIF.Image[0].At(x, y)
}

// canvas returns the logical screen of the animation, falling back to
// the union of frame bounds when the header has no screen size.
func (img *GIF) canvas() image.Rectangle {
	if img.Config.Width > 0 && img.Config.Height > 0 {
		return image.Rect(0, 0, img.Config.Width, img.Config.Height)
	}
	var r image.Rectangle
	for _, f := range img.GIF.Image {
		r = r.Union(f.Bounds())
	}
	return r
}

// Frames renders each of the receiver's frames onto a full canvas, applying
// frame disposal, and calls fn with a copy of the rendered canvas and the
// frame's delay. Frames does not wait for the delay between frames and
// ignores the GIF loop count.
func (img *GIF) Frames(ctx context.Context, fn func(image.Image, time.Duration) error) error {
	const (
		restoreBackground = 2
		restorePrevious   = 3
	)
	var background image.Image
	pal, ok := img.Config.ColorModel.(color.Palette)
	if idx := int(img.BackgroundIndex); ok {
		background = &image.Uniform{pal[idx]}
	}

	dst := image.NewRGBA(img.canvas())
	for f, frame := range img.Image {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var restore *image.RGBA
		if img.Disposal != nil && img.Disposal[f] == restorePrevious {
			restore = image.NewRGBA(frame.Bounds())
			draw.Copy(restore, restore.Bounds().Min, dst, frame.Bounds(), draw.Src, nil)
		}
		draw.Copy(dst, frame.Bounds().Min, frame, frame.Bounds(), draw.Over, nil)

		var delay time.Duration
		if img.Delay != nil {
			delay = 10 * time.Duration(img.Delay[f]) * time.Millisecond
		}
		err := fn(clone(dst), delay)
		if err != nil {
			return err
		}

		if img.Disposal != nil {
			switch img.Disposal[f] {
			case restoreBackground:
				bg := background
				if bg == nil {
					if idx := int(img.BackgroundIndex); idx < len(frame.Palette) {
						bg = &image.Uniform{frame.Palette[idx]}
					} else {
						bg = image.Transparent
					}
				}
				draw.Copy(dst, frame.Bounds().Min, bg, frame.Bounds(), draw.Src, nil)
			case restorePrevious:
				draw.Copy(dst, frame.Bounds().Min, restore, restore.Bounds(), draw.Src, nil)
			}
		}
	}
	return nil
}

func clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
