package physics

import (
	"math"

	"github.com/corephys/sim/math/lin"
)

// ManifoldBetweenTwoFaces clips the incident polygon against the
// reference polygon's side half-spaces (Sutherland-Hodgman), projects
// the surviving points onto the reference plane, and keeps only points
// within sqrt(speculativeContactDistSq + manifoldToleranceSq) of the
// deepest point.
//
// Works against plain []lin.V3 so it can be unit tested independent of
// any Shape.
func ManifoldBetweenTwoFaces(referencePoly, incidentPoly []lin.V3, referenceNormal lin.V3, speculativeContactDistance, manifoldTolerance float64) (points []lin.V3, depths []float64) {
	if len(referencePoly) < 3 || len(incidentPoly) < 3 {
		return nil, nil
	}
	clipped := append([]lin.V3(nil), incidentPoly...)
	n := len(referencePoly)
	for i := 0; i < n; i++ {
		a := referencePoly[i]
		b := referencePoly[(i+1)%n]
		edge := lin.V3{X: b.X - a.X, Y: b.Y - a.Y, Z: b.Z - a.Z}
		var inward lin.V3
		inward.Cross(&referenceNormal, &edge) // normal x edge points inward for a CCW-wound reference face.
		clipped = clipPolygonAgainstPlane(clipped, a, inward)
		if len(clipped) == 0 {
			return nil, nil
		}
	}

	// Project onto the reference plane and keep points within tolerance
	// of the deepest one.
	refPoint := referencePoly[0]
	deepest := math.Inf(1)
	dists := make([]float64, len(clipped))
	for i, p := range clipped {
		d := signedDistance(p, refPoint, referenceNormal)
		dists[i] = d
		if d < deepest {
			deepest = d
		}
	}
	tolSq := speculativeContactDistance*speculativeContactDistance + manifoldTolerance*manifoldTolerance
	for i, p := range clipped {
		delta := dists[i] - deepest
		if delta*delta <= tolSq {
			proj := lin.V3{
				X: p.X - dists[i]*referenceNormal.X,
				Y: p.Y - dists[i]*referenceNormal.Y,
				Z: p.Z - dists[i]*referenceNormal.Z,
			}
			points = append(points, proj)
			depths = append(depths, -dists[i]) // negative signed distance = penetration depth.
		}
	}
	return points, depths
}

func signedDistance(p, planePoint, normal lin.V3) float64 {
	d := lin.V3{X: p.X - planePoint.X, Y: p.Y - planePoint.Y, Z: p.Z - planePoint.Z}
	return d.Dot(&normal)
}

// clipPolygonAgainstPlane keeps the part of poly on the positive side
// of the plane through planePoint, i.e. the side planeNormal points
// into, inserting new vertices at the plane crossing.
func clipPolygonAgainstPlane(poly []lin.V3, planePoint, planeNormal lin.V3) []lin.V3 {
	if len(poly) == 0 {
		return nil
	}
	out := make([]lin.V3, 0, len(poly)+1)
	n := len(poly)
	for i := 0; i < n; i++ {
		cur := poly[i]
		next := poly[(i+1)%n]
		curIn := signedDistance(cur, planePoint, planeNormal) >= 0
		nextIn := signedDistance(next, planePoint, planeNormal) >= 0
		if curIn {
			out = append(out, cur)
		}
		if curIn != nextIn {
			t := intersectEdgePlane(cur, next, planePoint, planeNormal)
			out = append(out, t)
		}
	}
	return out
}

func intersectEdgePlane(a, b, planePoint, planeNormal lin.V3) lin.V3 {
	da := signedDistance(a, planePoint, planeNormal)
	db := signedDistance(b, planePoint, planeNormal)
	denom := da - db
	if lin.AeqZ(denom) {
		return a
	}
	t := da / denom
	return lin.V3{
		X: a.X + t*(b.X-a.X),
		Y: a.Y + t*(b.Y-a.Y),
		Z: a.Z + t*(b.Z-a.Z),
	}
}

// PruneManifoldPoints reduces pts to at most k points by keeping the
// deepest point then greedily adding the point that maximizes the area
// of the polygon formed with the points already kept.
func PruneManifoldPoints(pts []lin.V3, depths []float64, k int) []int {
	if len(pts) <= k {
		idx := make([]int, len(pts))
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	deepest := 0
	for i, d := range depths {
		if d > depths[deepest] {
			deepest = i
		}
	}
	kept := []int{deepest}
	used := map[int]bool{deepest: true}
	for len(kept) < k {
		best, bestArea := -1, -1.0
		for i := range pts {
			if used[i] {
				continue
			}
			area := areaWithCandidate(pts, kept, i)
			if area > bestArea {
				bestArea, best = area, i
			}
		}
		if best < 0 {
			break
		}
		kept = append(kept, best)
		used[best] = true
	}
	return kept
}

func areaWithCandidate(pts []lin.V3, kept []int, candidate int) float64 {
	total := 0.0
	c := pts[candidate]
	for i := 0; i < len(kept); i++ {
		a := pts[kept[i]]
		b := pts[kept[(i+1)%len(kept)]]
		total += triangleArea(a, b, c)
	}
	return total
}

func triangleArea(a, b, c lin.V3) float64 {
	ab := lin.V3{X: b.X - a.X, Y: b.Y - a.Y, Z: b.Z - a.Z}
	ac := lin.V3{X: c.X - a.X, Y: c.Y - a.Y, Z: c.Z - a.Z}
	var cr lin.V3
	cr.Cross(&ab, &ac)
	return 0.5 * cr.Len()
}
