package apitest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/StatsLateral/bonsaiway/core"
)

// PNG encodes a w×h green image.
func PNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, fill(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG encodes a w×h green image.
func JPEG(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fill(w, h), nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// PNGFile wraps PNG(w, h) as an upload named name.
func PNGFile(name string, w, h int) *core.File {
	return core.NewFile(name, "image/png", PNG(w, h))
}

func fill(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	green := color.RGBA{G: 0x80, A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, green)
		}
	}
	return img
}
