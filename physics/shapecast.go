package physics

import (
	"math"

	"github.com/corephys/sim/math/lin"
)

// ShapeCastResult describes the first time of impact when sweeping a
// shape along a translation. Fraction is in
// [0,1] over the sweep delta; Normal points from the cast shape toward
// the hit shape, matching the narrowphase penetration-axis convention.
type ShapeCastResult struct {
	Fraction float64
	Point    lin.V3 // world-space contact point on the hit shape.
	Normal   lin.V3
	Sub      SubShapeID
}

// CastShape sweeps shape (posed at t) by delta against target (posed at
// tt). With returnDeepestPoint set, a pair that already overlaps at the
// sweep start reports a hit at fraction 0 with the static penetration
// axis, so CCD resolves overlapping starts instead of ignoring them.
//
// Sphere sweeps are exact (a ray against the Minkowski-expanded
// target); a swept box or compound is approximated by the sphere
// inscribed at its center of mass, which is conservative in exactly the
// regime CCD cares about — the linear-cast threshold is itself measured
// in inner radii.
func CastShape(shape Shape, t lin.T, delta lin.V3, target Shape, tt lin.T, returnDeepestPoint bool) (ShapeCastResult, bool) {
	if c, ok := target.(*CompoundShape); ok {
		best := ShapeCastResult{Fraction: math.Inf(1)}
		found := false
		for i, ch := range c.Children {
			world := composeT(&tt, &ch.Local)
			if r, hit := CastShape(shape, t, delta, ch.Shape, world, returnDeepestPoint); hit && r.Fraction < best.Fraction {
				r.Sub = RootSubShapeID.PushID(uint32(i), 16)
				best = r
				found = true
			}
		}
		return best, found
	}

	radius := castRadius(shape)

	if returnDeepestPoint {
		if res, overlapping := overlapAtStart(shape, t, target, tt); overlapping {
			return res, true
		}
	}

	switch tg := target.(type) {
	case *SphereShape:
		return castSphereVsSphere(*t.Loc, radius, delta, *tt.Loc, tg.Radius)
	case *BoxShape:
		return castSphereVsBox(*t.Loc, radius, delta, tg, tt)
	}
	return ShapeCastResult{}, false
}

// castRadius reduces any cast shape to its swept-sphere radius.
func castRadius(s Shape) float64 {
	if sp, ok := s.(*SphereShape); ok {
		return sp.Radius
	}
	return s.InnerRadius()
}

// overlapAtStart reports a fraction-0 hit using the static narrowphase
// when the shapes already penetrate before any motion.
func overlapAtStart(shape Shape, t lin.T, target Shape, tt lin.T) (ShapeCastResult, bool) {
	results := CollidePair(shape, t, target, tt, 0, nil)
	best := -1
	for i, r := range results {
		if r.PenetrationDepth <= 0 {
			continue
		}
		if best < 0 || r.PenetrationDepth > results[best].PenetrationDepth {
			best = i
		}
	}
	if best < 0 {
		return ShapeCastResult{}, false
	}
	r := results[best]
	return ShapeCastResult{Fraction: 0, Point: r.Point2, Normal: r.PenetrationAxis, Sub: r.Sub2}, true
}

func castSphereVsSphere(center lin.V3, radius float64, delta lin.V3, targetCenter lin.V3, targetRadius float64) (ShapeCastResult, bool) {
	// Ray from center along delta against a sphere of combined radius.
	combined := radius + targetRadius
	origin := lin.V3{X: center.X - targetCenter.X, Y: center.Y - targetCenter.Y, Z: center.Z - targetCenter.Z}
	a := delta.LenSqr()
	if a < lin.Epsilon {
		return ShapeCastResult{}, false
	}
	b := origin.Dot(&delta)
	c := origin.LenSqr() - combined*combined
	disc := b*b - a*c
	if disc < 0 {
		return ShapeCastResult{}, false
	}
	frac := (-b - math.Sqrt(disc)) / a
	if frac < 0 || frac > 1 {
		return ShapeCastResult{}, false
	}
	at := lin.V3{X: origin.X + delta.X*frac, Y: origin.Y + delta.Y*frac, Z: origin.Z + delta.Z*frac}
	at.Unit()
	normal := lin.V3{X: -at.X, Y: -at.Y, Z: -at.Z} // from cast shape toward target.
	point := lin.V3{X: targetCenter.X + at.X*targetRadius, Y: targetCenter.Y + at.Y*targetRadius, Z: targetCenter.Z + at.Z*targetRadius}
	return ShapeCastResult{Fraction: frac, Point: point, Normal: normal}, true
}

func castSphereVsBox(center lin.V3, radius float64, delta lin.V3, box *BoxShape, tt lin.T) (ShapeCastResult, bool) {
	// Work in box local space; the sphere sweep becomes a ray against
	// the box expanded by the radius (rounded corners approximated by
	// the expanded box, a conservative overestimate of at most the
	// radius near corners).
	lx, ly, lz := tt.InvS(center.X, center.Y, center.Z)
	var invRot lin.Q
	invRot.Inv(tt.Rot)
	var localDelta lin.V3
	localDelta.MultvQ(&delta, &invRot)

	he := lin.V3{X: box.HalfExtent.X + radius, Y: box.HalfExtent.Y + radius, Z: box.HalfExtent.Z + radius}
	o := [3]float64{lx, ly, lz}
	d := [3]float64{localDelta.X, localDelta.Y, localDelta.Z}
	lo := [3]float64{-he.X, -he.Y, -he.Z}
	hi := [3]float64{he.X, he.Y, he.Z}

	tmin, tmax := 0.0, 1.0
	hitAxis, hitSign := -1, 1.0
	for i := 0; i < 3; i++ {
		if lin.AeqZ(d[i]) {
			if o[i] < lo[i] || o[i] > hi[i] {
				return ShapeCastResult{}, false
			}
			continue
		}
		t1 := (lo[i] - o[i]) / d[i]
		t2 := (hi[i] - o[i]) / d[i]
		sign := -1.0
		if t1 > t2 {
			t1, t2 = t2, t1
			sign = 1.0
		}
		if t1 > tmin {
			tmin = t1
			hitAxis = i
			hitSign = sign
		}
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return ShapeCastResult{}, false
		}
	}
	if hitAxis < 0 {
		// Started inside the expanded box without returnDeepestPoint;
		// treat as no hit, the static narrowphase owns overlap handling.
		return ShapeCastResult{}, false
	}

	var localNormal lin.V3
	switch hitAxis {
	case 0:
		localNormal = lin.V3{X: hitSign}
	case 1:
		localNormal = lin.V3{Y: hitSign}
	default:
		localNormal = lin.V3{Z: hitSign}
	}
	// Outward box normal at the hit; the cast-toward-target normal is
	// its negation.
	wnx, wny, wnz := tt.AppR(localNormal.X, localNormal.Y, localNormal.Z)
	normal := lin.V3{X: -wnx, Y: -wny, Z: -wnz}

	hitLocal := lin.V3{
		X: lin.Clamp(o[0]+d[0]*tmin, -box.HalfExtent.X, box.HalfExtent.X),
		Y: lin.Clamp(o[1]+d[1]*tmin, -box.HalfExtent.Y, box.HalfExtent.Y),
		Z: lin.Clamp(o[2]+d[2]*tmin, -box.HalfExtent.Z, box.HalfExtent.Z),
	}
	px, py, pz := tt.AppS(hitLocal.X, hitLocal.Y, hitLocal.Z)
	return ShapeCastResult{Fraction: tmin, Point: lin.V3{X: px, Y: py, Z: pz}, Normal: normal}, true
}
