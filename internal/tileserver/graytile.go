package tileserver

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

const (
	grayTileSize = 256
	grayR        = 209
	grayG        = 204
	grayB        = 199
)

var (
	grayTileOnce  sync.Once
	grayTileBytes []byte
)

// GrayTileJPEG returns the pre-encoded 256x256 gray JPEG served for tiles
// entirely outside a variant's coverage polygon. It is encoded once, lazily,
// and reused for every subsequent call.
func GrayTileJPEG() []byte {
	grayTileOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, grayTileSize, grayTileSize))
		gray := color.RGBA{R: grayR, G: grayG, B: grayB, A: 255}
		for y := 0; y < grayTileSize; y++ {
			for x := 0; x < grayTileSize; x++ {
				img.SetRGBA(x, y, gray)
			}
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			panic("tileserver: encode gray tile: " + err.Error())
		}
		grayTileBytes = buf.Bytes()
	})
	return grayTileBytes
}
