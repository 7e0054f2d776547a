package pipeline

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// LetterboxFill is the padding value, the 0.5 gray darknet uses
const LetterboxFill = 127

// LetterboxRect returns where a srcW x srcH image lands inside a dstW x dstH
// canvas when scaled with preserved aspect ratio and centered
func LetterboxRect(srcW, srcH, dstW, dstH int) image.Rectangle {
	var newW, newH int
	if float32(dstW)/float32(srcW) < float32(dstH)/float32(srcH) {
		newW = dstW
		newH = srcH * dstW / srcW
	} else {
		newH = dstH
		newW = srcW * dstH / srcH
	}
	x0 := (dstW - newW) / 2
	y0 := (dstH - newH) / 2
	return image.Rect(x0, y0, x0+newW, y0+newH)
}

// Letterbox scales src into dst preserving aspect ratio and pads the
// remainder with LetterboxFill. dst keeps its own dimensions.
func Letterbox(dst, src *Frame) error {
	if dst.Empty() || src.Empty() {
		return fmt.Errorf("letterbox: %w", ErrInvalidFrame)
	}
	dst.Fill(LetterboxFill)
	rect := LetterboxRect(src.Width, src.Height, dst.Width, dst.Height)
	if rect.Empty() {
		return nil
	}
	xdraw.BiLinear.Scale(dst, rect, src, src.Bounds(), xdraw.Src, nil)
	return nil
}
