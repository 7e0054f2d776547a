package pipeline

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

var (
	ErrInvalidFrame = errors.New("invalid frame dimensions")
)

// Frame is an owned 8-bit pixel buffer with interleaved channels.
// Width, Height and Channels are validated once in NewFrame; every pixel
// access after that goes through bounds-checked slice indexing.
//
// Frame implements draw.Image so it can be the source or destination of
// golang.org/x/image/draw scalers.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewFrame allocates a zeroed frame. Channels must be 1 (gray) or 3 (RGB).
func NewFrame(width, height, channels int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidFrame, width, height)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidFrame, channels)
	}
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}, nil
}

// SolidFrame returns an RGB frame filled with a single color
func SolidFrame(width, height int, c color.RGBA) (*Frame, error) {
	f, err := NewFrame(width, height, 3)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(f.Pix); i += 3 {
		f.Pix[i] = c.R
		f.Pix[i+1] = c.G
		f.Pix[i+2] = c.B
	}
	return f, nil
}

// FrameFromImage converts any image into an RGB frame
func FrameFromImage(img image.Image) (*Frame, error) {
	b := img.Bounds()
	f, err := NewFrame(b.Dx(), b.Dy(), 3)
	if err != nil {
		return nil, err
	}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < f.Height; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+f.Width*4]
			out := f.Pix[y*f.Width*3 : (y+1)*f.Width*3]
			for x := 0; x < f.Width; x++ {
				out[x*3] = row[x*4]
				out[x*3+1] = row[x*4+1]
				out[x*3+2] = row[x*4+2]
			}
		}
		return f, nil
	}

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return f, nil
}

// Empty reports whether the frame holds no pixels
func (f *Frame) Empty() bool {
	return f == nil || len(f.Pix) == 0
}

// SameShape reports whether two frames have identical dimensions
func (f *Frame) SameShape(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height && f.Channels == o.Channels
}

// CopyFrom deep-copies src into f, reusing f's buffer when the shape matches
func (f *Frame) CopyFrom(src *Frame) {
	if src.Empty() {
		f.Width, f.Height, f.Channels = 0, 0, 0
		f.Pix = f.Pix[:0]
		return
	}
	if cap(f.Pix) < len(src.Pix) {
		f.Pix = make([]uint8, len(src.Pix))
	}
	f.Pix = f.Pix[:len(src.Pix)]
	copy(f.Pix, src.Pix)
	f.Width, f.Height, f.Channels = src.Width, src.Height, src.Channels
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	c := &Frame{}
	c.CopyFrom(f)
	return c
}

// Fill sets every sample to v
func (f *Frame) Fill(v uint8) {
	for i := range f.Pix {
		f.Pix[i] = v
	}
}

func (f *Frame) offset(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, false
	}
	return (y*f.Width + x) * f.Channels, true
}

// ColorModel implements image.Image
func (f *Frame) ColorModel() color.Model {
	if f.Channels == 1 {
		return color.GrayModel
	}
	return color.RGBAModel
}

// Bounds implements image.Image
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// At implements image.Image
func (f *Frame) At(x, y int) color.Color {
	i, ok := f.offset(x, y)
	if !ok {
		return color.RGBA{}
	}
	if f.Channels == 1 {
		return color.Gray{Y: f.Pix[i]}
	}
	return color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: 0xff}
}

// Set implements draw.Image
func (f *Frame) Set(x, y int, c color.Color) {
	i, ok := f.offset(x, y)
	if !ok {
		return
	}
	if f.Channels == 1 {
		f.Pix[i] = color.GrayModel.Convert(c).(color.Gray).Y
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	f.Pix[i] = rgba.R
	f.Pix[i+1] = rgba.G
	f.Pix[i+2] = rgba.B
}

// RGBA converts the frame into a standard library image
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := (y*f.Width + x) * f.Channels
			o := img.PixOffset(x, y)
			if f.Channels == 1 {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = f.Pix[i], f.Pix[i], f.Pix[i]
			} else {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = f.Pix[i], f.Pix[i+1], f.Pix[i+2]
			}
			img.Pix[o+3] = 0xff
		}
	}
	return img
}

// Tensor writes the frame as planar CHW float32 in [0,1] into dst and returns it.
// dst is reallocated when too small.
func (f *Frame) Tensor(dst []float32) []float32 {
	n := f.Width * f.Height * f.Channels
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	plane := f.Width * f.Height
	for p := 0; p < plane; p++ {
		for c := 0; c < f.Channels; c++ {
			dst[c*plane+p] = float32(f.Pix[p*f.Channels+c]) / 255
		}
	}
	return dst
}

var _ draw.Image = (*Frame)(nil)
