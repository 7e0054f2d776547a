package stream

import (
	"fmt"
	"image"
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"yolopipe/internal/pipeline"
)

// Palette returns one distinct color per class, spread evenly around the hue circle
func Palette(classes int) []color.RGBA {
	if classes < 1 {
		classes = 1
	}
	palette := make([]color.RGBA, classes)
	for i := range palette {
		// Golden-angle steps keep neighbouring class ids apart
		hue := float64(i) * 137.508
		for hue >= 360 {
			hue -= 360
		}
		r, g, b := colorful.Hsv(hue, 0.85, 0.95).Clamped().RGB255()
		palette[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return palette
}

// Annotator draws detection boxes and labels onto frames
type Annotator struct {
	palette   []color.RGBA
	thickness int
}

// NewAnnotator creates an annotator for the given number of classes
func NewAnnotator(classes int) *Annotator {
	return &Annotator{
		palette:   Palette(classes),
		thickness: 2,
	}
}

// Color returns the box color of a class
func (a *Annotator) Color(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return a.palette[class%len(a.palette)]
}

// Annotate renders frame with the detections of set drawn on top.
// The frame is not modified.
func (a *Annotator) Annotate(frame *pipeline.Frame, set *pipeline.DetectionSet) *image.RGBA {
	img := frame.RGBA()
	for _, det := range set.Detections {
		c := a.Color(det.ClassID)
		p := det.Pixels
		drawBox(img, p.XMin, p.YMin, p.XMax-p.XMin, p.YMax-p.YMin, c, a.thickness)
		drawLabel(img, p.XMin, p.YMin-14, fmt.Sprintf("%s %.0f%%", det.Label, det.Probability*100), c)
	}
	return img
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i <= x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j <= y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := 0; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if image.Pt(px, py).In(img.Bounds()) {
				img.SetRGBA(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
