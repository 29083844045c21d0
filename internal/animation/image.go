// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package animation

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"io"
	"time"

	"golang.org/x/image/draw"
)

// Images is an animation assembled from a sequence of decoded frames.
// The Images [image.Image] implementation is the first frame.
type Images struct {
	// Path is the source of the animation.
	Path string

	// The successive images.
	Image []image.Image

	// Delay is the delay after each image.
	Delay []time.Duration

	// FrameCount is the number of frames the animation
	// was announced to hold and FPS is its nominal frame
	// rate.
	FrameCount int
	FPS        int
}

// Append adds a frame to the animation.
func (img *Images) Append(frame image.Image, delay time.Duration) {
	img.Image = append(img.Image, frame)
	img.Delay = append(img.Delay, delay)
}

// Len returns the number of frames held.
func (img *Images) Len() int {
	return len(img.Image)
}

// Complete returns whether all announced frames are held.
func (img *Images) Complete() bool {
	return img.FrameCount > 0 && len(img.Image) >= img.FrameCount
}

// Duration returns the total display time of the held frames.
func (img *Images) Duration() time.Duration {
	var d time.Duration
	for _, f := range img.Delay {
		d += f
	}
	return d
}

// EncodeGIF writes the held frames to w as a GIF animation that loops
// forever. Frames are dithered to the Plan 9 palette and scaled to the
// bounds of the first frame if their bounds differ.
func (img *Images) EncodeGIF(w io.Writer) error {
	if len(img.Image) == 0 {
		return errors.New("no frames")
	}
	b := img.Image[0].Bounds()
	g := &gif.GIF{
		Image: make([]*image.Paletted, 0, len(img.Image)),
		Delay: make([]int, 0, len(img.Image)),
		Config: image.Config{
			ColorModel: color.Palette(palette.Plan9),
			Width:      b.Dx(),
			Height:     b.Dy(),
		},
	}
	rect := image.Rect(0, 0, b.Dx(), b.Dy())
	for i, frame := range img.Image {
		dst := image.NewPaletted(rect, palette.Plan9)
		src := frame
		if frame.Bounds().Size() != b.Size() {
			scaled := image.NewRGBA(rect)
			draw.BiLinear.Scale(scaled, rect, frame, frame.Bounds(), draw.Src, nil)
			src = scaled
		}
		draw.FloydSteinberg.Draw(dst, rect, src, src.Bounds().Min)
		g.Image = append(g.Image, dst)
		// GIF delays are in hundredths of a second.
		g.Delay = append(g.Delay, int(img.Delay[i]/(10*time.Millisecond)))
	}
	err := gif.EncodeAll(w, g)
	if err != nil {
		return fmt.Errorf("encode %s: %w", img.Path, err)
	}
	return nil
}

// At implements the image.Image interface.
func (img *Images) At(x, y int) color.Color {
	if len(img.Image) == 0 {
		return nil
	}
	return img.Image[0].At(x, y)
}

// Bounds implements the image.Image interface.
func (img *Images) Bounds() image.Rectangle {
	if len(img.Image) == 0 {
		return image.Rectangle{}
	}
	return img.Image[0].Bounds()
}

// ColorModel implements the image.Image interface.
func (img *Images) ColorModel() color.Model {
	if len(img.Image) == 0 {
		return nil
	}
	return img.Image[0].ColorModel()
}
