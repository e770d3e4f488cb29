package tileserver

import (
	"math"

	"github.com/paulmach/orb"
)

// Edge-fade buffering constants, carried over from the renderer's own
// edge-fade blending so the gray-tile short-circuit buffers the bbox by
// the same cutoff the renderer would fade across.
const (
	maxEdgeFadeRadiusM   = 5_000.0
	edgeFadeCutoffSigma  = 3.0
	maxEdgeFadeSigmaPx   = 10.0
)

// Relation classifies how a tile's bounding box relates to a coverage
// polygon.
type Relation int

const (
	Inside Relation = iota
	Crosses
	Outside
)

// edgeFadeSigmaPx and edgeFadeCutoffM mirror the renderer's own formula for
// how far, in pixels/meters, the edge fade can reach at a given resolution.
func edgeFadeSigmaPx(metersPerPixel float64) float64 {
	return math.Min(maxEdgeFadeRadiusM/metersPerPixel/edgeFadeCutoffSigma, maxEdgeFadeSigmaPx)
}

func edgeFadeCutoffM(metersPerPixel float64) float64 {
	cutoffFromSigmaM := edgeFadeSigmaPx(metersPerPixel) * edgeFadeCutoffSigma * metersPerPixel
	return math.Min(maxEdgeFadeRadiusM, cutoffFromSigmaM)
}

// TileTouchesCoverage buffers bbox by the edge-fade cutoff at the given
// resolution and classifies its relation to coverage.
func TileTouchesCoverage(coverage orb.Geometry, bbox [4]float64, metersPerPixel float64) Relation {
	cutoff := edgeFadeCutoffM(metersPerPixel)
	buffered := orb.Bound{
		Min: orb.Point{bbox[0] - cutoff, bbox[1] - cutoff},
		Max: orb.Point{bbox[2] + cutoff, bbox[3] + cutoff},
	}

	switch {
	case boundContainedByGeometry(buffered, coverage):
		return Inside
	case boundIntersectsGeometry(buffered, coverage):
		return Crosses
	default:
		return Outside
	}
}

// The predicates below are a deliberately minimal contains/intersects pair
// over orb's ring-based polygon types. No example in the retrieval pack
// directly exercises a polygon-predicate library against orb geometries
// (orb itself ships no Contains/Intersects), so this is hand-rolled rather
// than grounded on a pack dependency; see DESIGN.md.

func boundCorners(b orb.Bound) [4]orb.Point {
	return [4]orb.Point{
		{b.Min[0], b.Min[1]},
		{b.Max[0], b.Min[1]},
		{b.Max[0], b.Max[1]},
		{b.Min[0], b.Max[1]},
	}
}

func boundEdges(b orb.Bound) [4][2]orb.Point {
	c := boundCorners(b)
	return [4][2]orb.Point{
		{c[0], c[1]},
		{c[1], c[2]},
		{c[2], c[3]},
		{c[3], c[0]},
	}
}

func boundContainedByGeometry(b orb.Bound, geom orb.Geometry) bool {
	for _, c := range boundCorners(b) {
		if !pointInGeometry(c, geom) {
			return false
		}
	}
	return !boundCrossesBoundary(b, geom)
}

func boundIntersectsGeometry(b orb.Bound, geom orb.Geometry) bool {
	for _, c := range boundCorners(b) {
		if pointInGeometry(c, geom) {
			return true
		}
	}
	for _, v := range geometryVertices(geom) {
		if b.Contains(v) {
			return true
		}
	}
	return boundCrossesBoundary(b, geom)
}

func boundCrossesBoundary(b orb.Bound, geom orb.Geometry) bool {
	edges := boundEdges(b)
	for _, ring := range geometryRings(geom) {
		for i := 0; i < len(ring); i++ {
			a1 := ring[i]
			a2 := ring[(i+1)%len(ring)]
			for _, e := range edges {
				if segmentsIntersect(a1, a2, e[0], e[1]) {
					return true
				}
			}
		}
	}
	return false
}

func geometryRings(geom orb.Geometry) []orb.Ring {
	switch g := geom.(type) {
	case orb.Polygon:
		return g
	case orb.MultiPolygon:
		var rings []orb.Ring
		for _, poly := range g {
			rings = append(rings, poly...)
		}
		return rings
	default:
		return nil
	}
}

func geometryVertices(geom orb.Geometry) []orb.Point {
	var pts []orb.Point
	for _, ring := range geometryRings(geom) {
		pts = append(pts, ring...)
	}
	return pts
}

func pointInGeometry(pt orb.Point, geom orb.Geometry) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return pointInPolygon(pt, g)
	case orb.MultiPolygon:
		for _, poly := range g {
			if pointInPolygon(pt, poly) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func pointInPolygon(pt orb.Point, poly orb.Polygon) bool {
	if len(poly) == 0 || !pointInRing(pt, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointInRing(pt, hole) {
			return false
		}
	}
	return true
}

// pointInRing is the standard even-odd ray-casting test.
func pointInRing(pt orb.Point, ring orb.Ring) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		if (pi[1] > pt[1]) != (pj[1] > pt[1]) {
			x := (pj[0]-pi[0])*(pt[1]-pi[1])/(pj[1]-pi[1]) + pi[0]
			if pt[0] < x {
				inside = !inside
			}
		}
	}
	return inside
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return false
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}
