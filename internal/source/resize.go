package source

import (
	"image"

	"golang.org/x/image/draw"
)

// resize scales img to width x height. A zero dimension keeps the aspect
// ratio; both zero returns img unchanged.
func resize(img image.Image, width, height int) (image.Image, float64, float64) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 || (width <= 0 && height <= 0) {
		return img, 1, 1
	}
	if width <= 0 {
		width = b.Dx() * height / b.Dy()
	}
	if height <= 0 {
		height = b.Dy() * width / b.Dx()
	}
	width, height = max(width, 1), max(height, 1)
	if width == b.Dx() && height == b.Dy() {
		return img, 1, 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, float64(width) / float64(b.Dx()), float64(height) / float64(b.Dy())
}
