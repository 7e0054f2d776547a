package source

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	"yolopipe/internal/pipeline"
)

// extractJPEGFrame removes the first complete JPEG (FFD8 ... FFD9) from buffer.
// Bytes before the start marker are discarded, with or without a frame.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep the last byte, it may be the first half of a split marker
		*buffer = append(buf[:0], buf[len(buf)-1])
		return nil
	}
	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = append(buf[:0], buf[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}

// decodeFrame decodes an encoded image and optionally resizes it to width x height
func decodeFrame(data []byte, width, height int) (*pipeline.Frame, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	b := img.Bounds()
	if width > 0 && height > 0 && (b.Dx() != width || b.Dy() != height) {
		img = imaging.Resize(img, width, height, imaging.Linear)
	}

	return pipeline.FrameFromImage(img)
}
