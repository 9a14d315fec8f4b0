// Package geo provides the plane geometry used by zone evaluation: point
// containment for polygons and segment crossing for count lines. Coordinates
// are pixels in the camera frame, origin top-left, y growing downward.
package geo

import "math"

// Point is a position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Cross returns the z component of (b-a) x (p-a). Points on opposite sides
// of the carrying line yield opposite signs; zero means p is on the line.
// Zone side semantics are built from this sign in the zone package.
func Cross(a, b, p Point) float64 {
	return (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
}

// SegmentsIntersect reports whether the open segments p1->p2 and a->b
// properly cross: the endpoints of each lie strictly on opposite sides of
// the other. Touching endpoints do not count as a crossing.
func SegmentsIntersect(p1, p2, a, b Point) bool {
	d1 := Cross(a, b, p1)
	d2 := Cross(a, b, p2)
	d3 := Cross(p1, p2, a)
	d4 := Cross(p1, p2, b)
	return d1*d2 < 0 && d3*d4 < 0
}

// PointInPolygon runs the even-odd ray cast for pt against the polygon
// vertices. Fewer than three vertices never contain anything. Results for
// points exactly on an edge are unspecified, matching how zone membership is
// defined.
func PointInPolygon(pt Point, poly []Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) {
			x := (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if pt.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
