package conversation

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const jpegMimeType = "image/jpeg"

// encodeFrame renders img onto an RGBA surface, scaled down to maxWidth when
// it is wider, and encodes it as JPEG.
func encodeFrame(img image.Image, maxWidth, quality int) ([]byte, error) {
	src := img.Bounds()
	width, height := src.Dx(), src.Dy()
	if maxWidth > 0 && width > maxWidth {
		height = max(1, height*maxWidth/width)
		width = maxWidth
	}

	surface := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == src.Dx() && height == src.Dy() {
		draw.Draw(surface, surface.Bounds(), img, src.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(surface, surface.Bounds(), img, src, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, surface, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
