package physics

import (
	"math"

	"github.com/corephys/sim/math/lin"
)

// CollideShapeResult is the narrowphase's raw output for one leaf-pair
// collision: a deepest contact point on each shape, the unit
// penetration axis (pointing from shape 1 towards shape 2) and depth,
// and — for shape pairs that support manifold generation — the two
// contact-face polygons in world space that ManifoldBetweenTwoFaces
// clips against each other.
type CollideShapeResult struct {
	Point1, Point2   lin.V3
	PenetrationAxis  lin.V3 // unit length.
	PenetrationDepth float64
	Face1, Face2     []lin.V3 // nil when the pair has no well-defined face (e.g. sphere-involving pairs).
	Sub1, Sub2       SubShapeID
}

type narrowphaseFunc func(s1 Shape, t1 lin.T, s2 Shape, t2 lin.T, speculativeDist float64) (CollideShapeResult, bool)

var dispatch [numShapeTypes][numShapeTypes]narrowphaseFunc

func init() {
	dispatch[ShapeSphere][ShapeSphere] = collideSphereSphere
	dispatch[ShapeSphere][ShapeBox] = collideSphereBox
	dispatch[ShapeBox][ShapeSphere] = func(s1 Shape, t1 lin.T, s2 Shape, t2 lin.T, spec float64) (CollideShapeResult, bool) {
		r, ok := collideSphereBox(s2, t2, s1, t1, spec)
		return swapResult(r), ok
	}
	dispatch[ShapeBox][ShapeBox] = collideBoxBox
}

func swapResult(r CollideShapeResult) CollideShapeResult {
	r.Point1, r.Point2 = r.Point2, r.Point1
	r.Face1, r.Face2 = r.Face2, r.Face1
	r.Sub1, r.Sub2 = r.Sub2, r.Sub1
	r.PenetrationAxis = lin.V3{X: -r.PenetrationAxis.X, Y: -r.PenetrationAxis.Y, Z: -r.PenetrationAxis.Z}
	return r
}

// CollidePair dispatches shape1/shape2 (posed at t1/t2) through the
// narrowphase, recursively expanding compound shapes into their
// leaves and composing sub-shape ids, and returns every leaf pair
// whose penetration is no deeper (more negative) than
// -speculativeDist.
//
// The dispatch table only covers the primitives this engine implements
// (Sphere, Box) per shape.go's doc comment. Mesh/Heightfield/Scaled/
// RotatedTranslated have no entries and are silently skipped: no
// contact, no panic.
func CollidePair(shape1 Shape, t1 lin.T, shape2 Shape, t2 lin.T, speculativeDist float64, log *Logger) []CollideShapeResult {
	var results []CollideShapeResult
	collidePairRec(shape1, t1, RootSubShapeID, shape2, t2, RootSubShapeID, speculativeDist, log, &results)
	return results
}

func collidePairRec(s1 Shape, t1 lin.T, sub1 SubShapeID, s2 Shape, t2 lin.T, sub2 SubShapeID, spec float64, log *Logger, out *[]CollideShapeResult) {
	if c1, ok := s1.(*CompoundShape); ok {
		for i, ch := range c1.Children {
			world := composeT(&t1, &ch.Local)
			collidePairRec(ch.Shape, world, sub1.PushID(uint32(i), 16), s2, t2, sub2, spec, log, out)
		}
		return
	}
	if c2, ok := s2.(*CompoundShape); ok {
		for i, ch := range c2.Children {
			world := composeT(&t2, &ch.Local)
			collidePairRec(s1, t1, sub1, ch.Shape, world, sub2.PushID(uint32(i), 16), spec, log, out)
		}
		return
	}
	fn := dispatch[s1.Type()][s2.Type()]
	if fn == nil {
		return // unimplemented shape-type combination: no contact, no exception.
	}
	r, ok := fn(s1, t1, s2, t2, spec)
	if !ok {
		return
	}
	if r.PenetrationAxis.LenSqr() < lin.Epsilon {
		if log != nil {
			log.degenerateGeometry("CollidePair: zero-length normal")
		}
		return
	}
	r.Sub1, r.Sub2 = sub1, sub2
	*out = append(*out, r)
}

func collideSphereSphere(s1 Shape, t1 lin.T, s2 Shape, t2 lin.T, spec float64) (CollideShapeResult, bool) {
	a, b := s1.(*SphereShape), s2.(*SphereShape)
	c1, c2 := *t1.Loc, *t2.Loc
	delta := lin.V3{X: c2.X - c1.X, Y: c2.Y - c1.Y, Z: c2.Z - c1.Z}
	dist := delta.Len()
	depth := a.Radius + b.Radius - dist
	if depth < -spec {
		return CollideShapeResult{}, false
	}
	normal := lin.V3{X: 1, Y: 0, Z: 0}
	if dist > lin.Epsilon {
		normal = lin.V3{X: delta.X / dist, Y: delta.Y / dist, Z: delta.Z / dist}
	}
	p1 := lin.V3{X: c1.X + normal.X*a.Radius, Y: c1.Y + normal.Y*a.Radius, Z: c1.Z + normal.Z*a.Radius}
	p2 := lin.V3{X: c2.X - normal.X*b.Radius, Y: c2.Y - normal.Y*b.Radius, Z: c2.Z - normal.Z*b.Radius}
	return CollideShapeResult{Point1: p1, Point2: p2, PenetrationAxis: normal, PenetrationDepth: depth}, true
}

// collideSphereBox handles an arbitrarily rotated box. Based on
// bullet's btSphereBoxCollisionAlgorithm.
func collideSphereBox(s1 Shape, t1 lin.T, s2 Shape, t2 lin.T, spec float64) (CollideShapeResult, bool) {
	sphere, box := s1.(*SphereShape), s2.(*BoxShape)
	center := *t1.Loc
	lx, ly, lz := t2.InvS(center.X, center.Y, center.Z)
	he := box.HalfExtent
	px := math.Max(-he.X, math.Min(he.X, lx))
	py := math.Max(-he.Y, math.Min(he.Y, ly))
	pz := math.Max(-he.Z, math.Min(he.Z, lz))

	nx, ny, nz := lx-px, ly-py, lz-pz
	dsq := nx*nx + ny*ny + nz*nz

	var localNormal lin.V3
	var depth float64
	if dsq <= lin.Epsilon {
		// center is inside the box: push out along the nearest face.
		dx, dy, dz := he.X-math.Abs(lx), he.Y-math.Abs(ly), he.Z-math.Abs(lz)
		switch {
		case dx <= dy && dx <= dz:
			localNormal = lin.V3{X: math.Copysign(1, lx)}
			depth = dx + sphere.Radius
		case dy <= dz:
			localNormal = lin.V3{Y: math.Copysign(1, ly)}
			depth = dy + sphere.Radius
		default:
			localNormal = lin.V3{Z: math.Copysign(1, lz)}
			depth = dz + sphere.Radius
		}
	} else {
		d := math.Sqrt(dsq)
		if d > sphere.Radius+spec {
			return CollideShapeResult{}, false
		}
		localNormal = lin.V3{X: nx / d, Y: ny / d, Z: nz / d}
		depth = sphere.Radius - d
	}

	// localNormal points from the box surface toward the sphere center;
	// the result convention wants shape 1 (sphere) toward shape 2 (box),
	// so the published axis is its negation.
	wnx, wny, wnz := t2.AppR(localNormal.X, localNormal.Y, localNormal.Z)
	nrm := lin.V3{X: wnx, Y: wny, Z: wnz}
	nrm.Unit()
	p2x, p2y, p2z := t2.AppS(px, py, pz)
	p2 := lin.V3{X: p2x, Y: p2y, Z: p2z}
	p1 := lin.V3{X: center.X - nrm.X*sphere.Radius, Y: center.Y - nrm.Y*sphere.Radius, Z: center.Z - nrm.Z*sphere.Radius}
	axis := lin.V3{X: -nrm.X, Y: -nrm.Y, Z: -nrm.Z}
	return CollideShapeResult{Point1: p1, Point2: p2, PenetrationAxis: axis, PenetrationDepth: depth}, true
}

// collideBoxBox runs a face-only separating-axis test (the 6 face
// normals of both boxes) and builds a clipped manifold from the
// resulting reference/incident faces. Edge-edge axes are intentionally
// not tested: a real edge-on-edge contact (two boxes touching only
// along crossed edges) is rare in the gravity-dominated scenes this
// engine targets, stacks and falling objects, where face contacts
// dominate.
func collideBoxBox(s1 Shape, t1 lin.T, s2 Shape, t2 lin.T, spec float64) (CollideShapeResult, bool) {
	a, b := s1.(*BoxShape), s2.(*BoxShape)
	var ma, mb lin.M3
	ma.SetQ(t1.Rot)
	mb.SetQ(t2.Rot)
	axesA := [3]lin.V3{{X: ma.Xx, Y: ma.Yx, Z: ma.Zx}, {X: ma.Xy, Y: ma.Yy, Z: ma.Zy}, {X: ma.Xz, Y: ma.Yz, Z: ma.Zz}}
	axesB := [3]lin.V3{{X: mb.Xx, Y: mb.Yx, Z: mb.Zx}, {X: mb.Xy, Y: mb.Yy, Z: mb.Zy}, {X: mb.Xz, Y: mb.Yz, Z: mb.Zz}}
	heA := [3]float64{a.HalfExtent.X, a.HalfExtent.Y, a.HalfExtent.Z}
	heB := [3]float64{b.HalfExtent.X, b.HalfExtent.Y, b.HalfExtent.Z}

	delta := lin.V3{X: t2.Loc.X - t1.Loc.X, Y: t2.Loc.Y - t1.Loc.Y, Z: t2.Loc.Z - t1.Loc.Z}

	bestOverlap := math.Inf(1)
	bestFromA := true
	bestAxisIdx := 0
	for i := 0; i < 3; i++ {
		ov, ok := faceAxisOverlap(axesA[i], delta, axesA, heA, axesB, heB, spec)
		if !ok {
			return CollideShapeResult{}, false
		}
		if ov < bestOverlap {
			bestOverlap, bestFromA, bestAxisIdx = ov, true, i
		}
	}
	for i := 0; i < 3; i++ {
		ov, ok := faceAxisOverlap(axesB[i], delta, axesA, heA, axesB, heB, spec)
		if !ok {
			return CollideShapeResult{}, false
		}
		if ov < bestOverlap {
			bestOverlap, bestFromA, bestAxisIdx = ov, false, i
		}
	}

	// axis: minimum-overlap direction oriented from box 1 toward box 2;
	// this is the published penetration axis in every case.
	var axis lin.V3
	if bestFromA {
		axis = axesA[bestAxisIdx]
	} else {
		axis = axesB[bestAxisIdx]
	}
	if axis.Dot(&delta) < 0 {
		axis = lin.V3{X: -axis.X, Y: -axis.Y, Z: -axis.Z}
	}

	// The reference face's outward normal points toward the other box:
	// along axis when the face belongs to box 1, against it otherwise.
	var refCenter lin.V3
	var refAxes [3]lin.V3
	var refHe [3]float64
	var incCenter lin.V3
	var incAxes [3]lin.V3
	var incHe [3]float64
	refNormal := axis
	if bestFromA {
		refCenter, refAxes, refHe = *t1.Loc, axesA, heA
		incCenter, incAxes, incHe = *t2.Loc, axesB, heB
	} else {
		refCenter, refAxes, refHe = *t2.Loc, axesB, heB
		incCenter, incAxes, incHe = *t1.Loc, axesA, heA
		refNormal = lin.V3{X: -axis.X, Y: -axis.Y, Z: -axis.Z}
	}
	faceSign := 1.0
	if refNormal.Dot(&refAxes[bestAxisIdx]) < 0 {
		faceSign = -1
	}

	refFace := boxFacePolygon(refCenter, refAxes, refHe, bestAxisIdx, faceSign)
	incFace := incidentFacePolygon(incCenter, incAxes, incHe, refNormal)

	points, depths := ManifoldBetweenTwoFaces(refFace, incFace, refNormal, spec, 1e-4)
	if len(points) == 0 {
		// degenerate clip (parallel faces edge-on): fall back to a
		// single deepest point at the box centers' midpoint.
		mid := lin.V3{X: (refCenter.X + incCenter.X) / 2, Y: (refCenter.Y + incCenter.Y) / 2, Z: (refCenter.Z + incCenter.Z) / 2}
		points = []lin.V3{mid}
		depths = []float64{bestOverlap}
	}
	if keep := PruneManifoldPoints(points, depths, 4); len(keep) < len(points) {
		np, nd := make([]lin.V3, len(keep)), make([]float64, len(keep))
		for i, k := range keep {
			np[i], nd[i] = points[k], depths[k]
		}
		points, depths = np, nd
	}

	deepestIdx := 0
	for i, d := range depths {
		if d > depths[deepestIdx] {
			deepestIdx = i
		}
	}
	depth := depths[deepestIdx]
	// The clipped points lie on the reference plane; the matching point
	// on the incident surface sits depth below it along refNormal.
	onRef := points[deepestIdx]
	onInc := lin.V3{X: onRef.X - refNormal.X*depth, Y: onRef.Y - refNormal.Y*depth, Z: onRef.Z - refNormal.Z*depth}
	p1, p2 := onRef, onInc
	var face1, face2 []lin.V3
	if bestFromA {
		face1, face2 = refFace, incFace
	} else {
		face1, face2 = incFace, refFace
		p1, p2 = onInc, onRef
	}
	return CollideShapeResult{Point1: p1, Point2: p2, PenetrationAxis: axis, PenetrationDepth: depth, Face1: face1, Face2: face2}, true
}

func faceAxisOverlap(axis lin.V3, delta lin.V3, axesA [3]lin.V3, heA [3]float64, axesB [3]lin.V3, heB [3]float64, spec float64) (float64, bool) {
	if axis.LenSqr() < lin.Epsilon {
		return math.Inf(1), true
	}
	n := axis.Unit()
	rA := boxProjectedRadius(*n, axesA, heA)
	rB := boxProjectedRadius(*n, axesB, heB)
	dist := math.Abs(delta.Dot(n))
	overlap := rA + rB - dist
	if overlap < -spec {
		return 0, false
	}
	return overlap, true
}

func boxProjectedRadius(axis lin.V3, boxAxes [3]lin.V3, he [3]float64) float64 {
	r := 0.0
	for i := 0; i < 3; i++ {
		r += math.Abs(axis.Dot(&boxAxes[i])) * he[i]
	}
	return r
}

func boxFacePolygon(center lin.V3, axes [3]lin.V3, he [3]float64, axisIdx int, sign float64) []lin.V3 {
	u, v := (axisIdx+1)%3, (axisIdx+2)%3
	face := center
	face.X += axes[axisIdx].X * he[axisIdx] * sign
	face.Y += axes[axisIdx].Y * he[axisIdx] * sign
	face.Z += axes[axisIdx].Z * he[axisIdx] * sign
	corners := make([]lin.V3, 4)
	signsU := [4]float64{1, 1, -1, -1}
	signsV := [4]float64{-1, 1, 1, -1}
	for i := 0; i < 4; i++ {
		// The base ordering is CCW viewed from the +axis side; reverse
		// it for a -axis face so the winding stays CCW w.r.t. the
		// outward normal (the clipper relies on it).
		k := i
		if sign < 0 {
			k = 3 - i
		}
		corners[i] = lin.V3{
			X: face.X + axes[u].X*he[u]*signsU[k] + axes[v].X*he[v]*signsV[k],
			Y: face.Y + axes[u].Y*he[u]*signsU[k] + axes[v].Y*he[v]*signsV[k],
			Z: face.Z + axes[u].Z*he[u]*signsU[k] + axes[v].Z*he[v]*signsV[k],
		}
	}
	return corners
}

// incidentFacePolygon picks the face of a box whose outward normal is
// most anti-parallel to refAxis.
func incidentFacePolygon(center lin.V3, axes [3]lin.V3, he [3]float64, refAxis lin.V3) []lin.V3 {
	bestDot := math.Inf(1)
	bestAxis := 0
	bestSign := 1.0
	for i := 0; i < 3; i++ {
		d := axes[i].Dot(&refAxis)
		if d < bestDot {
			bestDot, bestAxis, bestSign = d, i, 1
		}
		if -d < bestDot {
			bestDot, bestAxis, bestSign = -d, i, -1
		}
	}
	shifted := center
	shifted.X += axes[bestAxis].X * he[bestAxis] * bestSign
	shifted.Y += axes[bestAxis].Y * he[bestAxis] * bestSign
	shifted.Z += axes[bestAxis].Z * he[bestAxis] * bestSign
	u, v := (bestAxis+1)%3, (bestAxis+2)%3
	corners := make([]lin.V3, 4)
	signsU := [4]float64{1, 1, -1, -1}
	signsV := [4]float64{-1, 1, 1, -1}
	for i := 0; i < 4; i++ {
		k := i
		if bestSign < 0 {
			k = 3 - i // keep CCW winding w.r.t. the outward face normal.
		}
		corners[i] = lin.V3{
			X: shifted.X + axes[u].X*he[u]*signsU[k] + axes[v].X*he[v]*signsV[k],
			Y: shifted.Y + axes[u].Y*he[u]*signsU[k] + axes[v].Y*he[v]*signsV[k],
			Z: shifted.Z + axes[u].Z*he[u]*signsU[k] + axes[v].Z*he[v]*signsV[k],
		}
	}
	return corners
}
