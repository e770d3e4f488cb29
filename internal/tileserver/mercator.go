package tileserver

import "math"

// halfCircumference is half the EPSG:3857 world circumference in meters.
const halfCircumference = math.Pi * 6_378_137.0

// TileBoundsEPSG3857 computes the web-mercator bounds of tile (x, y, zoom)
// at the given tile size in pixels, returned as [minX, minY, maxX, maxY].
func TileBoundsEPSG3857(x, y uint32, zoom uint8, tileSize int) [4]float64 {
	totalPixels := float64(tileSize) * math.Exp2(float64(zoom))
	pixelSize := (2.0 * halfCircumference) / totalPixels

	minX := float64(x)*float64(tileSize)*pixelSize - halfCircumference
	maxY := halfCircumference - float64(y)*float64(tileSize)*pixelSize

	maxX := minX + float64(tileSize)*pixelSize
	minY := maxY - float64(tileSize)*pixelSize

	return [4]float64{minX, minY, maxX, maxY}
}
