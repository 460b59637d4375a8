package physics

import (
	"math"

	"github.com/corephys/sim/math/lin"
)

// Shape is the narrow, read-only query interface the core uses against
// its geometry collaborators; SphereShape, BoxShape and CompoundShape
// implement it. Shapes are immutable so the same Shape value can be
// shared by many Body values.
//
// Shape-pair queries (CastShape in shapecast.go, CollidePair in
// narrowphase.go) are free functions rather than interface methods,
// since they dispatch on a pair of shape types.
type Shape interface {
	// Type reports the shape's kind, used to index the narrowphase
	// dispatch table.
	Type() ShapeType

	// InnerRadius is the radius of the largest sphere inscribed in the
	// shape, used to size the CCD linear-cast threshold.
	InnerRadius() float64

	Volume() float64

	// Aabb writes the shape's world-space bounding box under the given
	// transform (with an optional convex margin) into ab and returns it.
	Aabb(t *lin.T, ab *AABB, margin float64) *AABB

	// Inertia fills and returns an inverse-inertia-ready inertia vector
	// for the given mass.
	Inertia(mass float64, inertia *lin.V3) *lin.V3

	// CastRay intersects a local-space ray against the shape, returning
	// the hit fraction along [0,1] (or ok=false for a miss) and the
	// sub-shape id of the feature that was hit.
	CastRay(origin, dir lin.V3) (fraction float64, sub SubShapeID, ok bool)

	// PointInside reports whether a local-space point is inside the
	// shape.
	PointInside(p lin.V3) bool

	// LeafShapes enumerates the shape's indivisible children together
	// with their sub-shape ids. Non-compound shapes report themselves
	// once with RootSubShapeID.
	LeafShapes(yield func(leaf Shape, local lin.T, sub SubShapeID))
}

// ShapeType enumerates the shape variants. Only Convex (sphere/box)
// and Compound are implemented; Mesh, Heightfield, Scaled and
// RotatedTranslated are modeled as tagged but unimplemented to keep
// the dispatch table total: a narrowphase lookup against one silently
// returns "no contact" rather than panicking.
type ShapeType uint8

const (
	ShapeSphere ShapeType = iota
	ShapeBox
	ShapeCompoundStatic
	ShapeMesh
	ShapeHeightField
	ShapeScaled
	ShapeRotatedTranslated
	numShapeTypes
)

// AABB is an axis-aligned bounding box, used throughout the
// broadphase.
type AABB struct {
	Min, Max lin.V3
}

// Overlaps reports whether a and b intersect (touching along a single
// point/edge/face counts as not overlapping).
func (a *AABB) Overlaps(b *AABB) bool {
	return a.Max.X > b.Min.X && a.Min.X < b.Max.X &&
		a.Max.Y > b.Min.Y && a.Min.Y < b.Max.Y &&
		a.Max.Z > b.Min.Z && a.Min.Z < b.Max.Z
}

// Expand returns a copy of a grown by margin on every side.
func (a AABB) Expand(margin float64) AABB {
	return AABB{
		Min: lin.V3{X: a.Min.X - margin, Y: a.Min.Y - margin, Z: a.Min.Z - margin},
		Max: lin.V3{X: a.Max.X + margin, Y: a.Max.Y + margin, Z: a.Max.Z + margin},
	}
}

// Union returns the smallest AABB containing both a and b.
func (a AABB) Union(b AABB) AABB {
	return AABB{
		Min: lin.V3{X: math.Min(a.Min.X, b.Min.X), Y: math.Min(a.Min.Y, b.Min.Y), Z: math.Min(a.Min.Z, b.Min.Z)},
		Max: lin.V3{X: math.Max(a.Max.X, b.Max.X), Y: math.Max(a.Max.Y, b.Max.Y), Z: math.Max(a.Max.Z, b.Max.Z)},
	}
}

// Invalid returns an AABB positioned so that it never overlaps anything
// and is itself invalid (min > max), used when removing a broadphase
// leaf in place.
func Invalid() AABB {
	return AABB{
		Min: lin.V3{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: lin.V3{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
}

func (a AABB) center() lin.V3 {
	return lin.V3{X: (a.Min.X + a.Max.X) * 0.5, Y: (a.Min.Y + a.Max.Y) * 0.5, Z: (a.Min.Z + a.Max.Z) * 0.5}
}

// SphereShape is a collision primitive defined by a radius around the
// local origin.
type SphereShape struct {
	Radius float64
}

// NewSphereShape creates a Sphere shape with a non-negative radius.
func NewSphereShape(radius float64) *SphereShape { return &SphereShape{Radius: math.Abs(radius)} }

func (s *SphereShape) Type() ShapeType      { return ShapeSphere }
func (s *SphereShape) InnerRadius() float64 { return s.Radius }
func (s *SphereShape) Volume() float64      { return 4.0 / 3.0 * math.Pi * s.Radius * s.Radius * s.Radius }

func (s *SphereShape) Aabb(t *lin.T, ab *AABB, margin float64) *AABB {
	r := s.Radius + margin
	ab.Min = lin.V3{X: t.Loc.X - r, Y: t.Loc.Y - r, Z: t.Loc.Z - r}
	ab.Max = lin.V3{X: t.Loc.X + r, Y: t.Loc.Y + r, Z: t.Loc.Z + r}
	return ab
}

func (s *SphereShape) Inertia(mass float64, inertia *lin.V3) *lin.V3 {
	e := 0.4 * mass * s.Radius * s.Radius
	return inertia.SetS(e, e, e)
}

func (s *SphereShape) CastRay(origin, dir lin.V3) (fraction float64, sub SubShapeID, ok bool) {
	// Solve |origin + t*dir|^2 = r^2 for t in [0,1].
	a := dir.Dot(&dir)
	if a < lin.Epsilon {
		return 0, RootSubShapeID, false
	}
	b := origin.Dot(&dir)
	c := origin.Dot(&origin) - s.Radius*s.Radius
	disc := b*b - a*c
	if disc < 0 {
		return 0, RootSubShapeID, false
	}
	sq := math.Sqrt(disc)
	t := (-b - sq) / a
	if t < 0 {
		t = (-b + sq) / a
	}
	if t < 0 || t > 1 {
		return 0, RootSubShapeID, false
	}
	return t, RootSubShapeID, true
}

func (s *SphereShape) PointInside(p lin.V3) bool {
	return p.X*p.X+p.Y*p.Y+p.Z*p.Z <= s.Radius*s.Radius
}

func (s *SphereShape) LeafShapes(yield func(Shape, lin.T, SubShapeID)) {
	yield(s, lin.T{Loc: &lin.V3{}, Rot: &lin.Q{X: 0, Y: 0, Z: 0, W: 1}}, RootSubShapeID)
}

// BoxShape is a collision primitive defined by its positive half
// extents along the local x/y/z axes.
type BoxShape struct {
	HalfExtent lin.V3
}

// NewBoxShape creates a Box shape from its half extents.
func NewBoxShape(hx, hy, hz float64) *BoxShape {
	return &BoxShape{HalfExtent: lin.V3{X: math.Abs(hx), Y: math.Abs(hy), Z: math.Abs(hz)}}
}

func (b *BoxShape) Type() ShapeType { return ShapeBox }

func (b *BoxShape) InnerRadius() float64 {
	return lin.Min3(b.HalfExtent.X, b.HalfExtent.Y, b.HalfExtent.Z)
}

func (b *BoxShape) Volume() float64 {
	return 8 * b.HalfExtent.X * b.HalfExtent.Y * b.HalfExtent.Z
}

func (b *BoxShape) Aabb(t *lin.T, ab *AABB, margin float64) *AABB {
	// Conservative bound: the box's half extents rotated into world
	// space contribute at most the sum of |R_ij|*he_j per axis.
	var m lin.M3
	m.SetQ(t.Rot)
	he := b.HalfExtent
	ex := math.Abs(m.Xx)*he.X + math.Abs(m.Xy)*he.Y + math.Abs(m.Xz)*he.Z + margin
	ey := math.Abs(m.Yx)*he.X + math.Abs(m.Yy)*he.Y + math.Abs(m.Yz)*he.Z + margin
	ez := math.Abs(m.Zx)*he.X + math.Abs(m.Zy)*he.Y + math.Abs(m.Zz)*he.Z + margin
	ab.Min = lin.V3{X: t.Loc.X - ex, Y: t.Loc.Y - ey, Z: t.Loc.Z - ez}
	ab.Max = lin.V3{X: t.Loc.X + ex, Y: t.Loc.Y + ey, Z: t.Loc.Z + ez}
	return ab
}

func (b *BoxShape) Inertia(mass float64, inertia *lin.V3) *lin.V3 {
	he := b.HalfExtent
	k := mass / 3.0
	return inertia.SetS(
		k*(he.Y*he.Y+he.Z*he.Z),
		k*(he.X*he.X+he.Z*he.Z),
		k*(he.X*he.X+he.Y*he.Y),
	)
}

func (b *BoxShape) CastRay(origin, dir lin.V3) (fraction float64, sub SubShapeID, ok bool) {
	tmin, tmax := 0.0, 1.0
	he := b.HalfExtent
	lo := [3]float64{-he.X, -he.Y, -he.Z}
	hi := [3]float64{he.X, he.Y, he.Z}
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}
	for i := 0; i < 3; i++ {
		if lin.AeqZ(d[i]) {
			if o[i] < lo[i] || o[i] > hi[i] {
				return 0, RootSubShapeID, false
			}
			continue
		}
		t1 := (lo[i] - o[i]) / d[i]
		t2 := (hi[i] - o[i]) / d[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return 0, RootSubShapeID, false
		}
	}
	return tmin, RootSubShapeID, true
}

func (b *BoxShape) PointInside(p lin.V3) bool {
	he := b.HalfExtent
	return math.Abs(p.X) <= he.X && math.Abs(p.Y) <= he.Y && math.Abs(p.Z) <= he.Z
}

func (b *BoxShape) LeafShapes(yield func(Shape, lin.T, SubShapeID)) {
	yield(b, lin.T{Loc: &lin.V3{}, Rot: &lin.Q{X: 0, Y: 0, Z: 0, W: 1}}, RootSubShapeID)
}

// composeT returns the transform "a then b" (b expressed in a's frame)
// as a fresh value. lin.T holds pointers, so out gets its own Loc and
// Rot before the multiply and neither a nor b is written.
func composeT(a, b *lin.T) lin.T {
	out := lin.T{Loc: &lin.V3{}, Rot: &lin.Q{}}
	out.Set(a)
	out.Mult(&out, b)
	return out
}

// CompoundChild is one member of a CompoundShape: a leaf shape placed
// at a fixed local-space transform relative to the compound's root.
type CompoundChild struct {
	Shape Shape
	Local lin.T
}

// CompoundShape is an immutable, statically-built aggregate of child
// shapes. The sub-shape id of a leaf is its child index pushed onto
// the path.
type CompoundShape struct {
	Children []CompoundChild
	volume   float64
}

// NewCompoundShape builds a static compound from its children.
func NewCompoundShape(children []CompoundChild) *CompoundShape {
	c := &CompoundShape{Children: children}
	for _, ch := range children {
		c.volume += ch.Shape.Volume()
	}
	return c
}

func (c *CompoundShape) Type() ShapeType { return ShapeCompoundStatic }

func (c *CompoundShape) InnerRadius() float64 {
	r := math.Inf(1)
	for _, ch := range c.Children {
		r = math.Min(r, ch.Shape.InnerRadius())
	}
	if math.IsInf(r, 1) {
		return 0
	}
	return r
}

func (c *CompoundShape) Volume() float64 { return c.volume }

func (c *CompoundShape) Aabb(t *lin.T, ab *AABB, margin float64) *AABB {
	var result AABB
	first := true
	var childAb AABB
	for _, ch := range c.Children {
		world := composeT(t, &ch.Local)
		ch.Shape.Aabb(&world, &childAb, margin)
		if first {
			result = childAb
			first = false
		} else {
			result = result.Union(childAb)
		}
	}
	*ab = result
	return ab
}

func (c *CompoundShape) Inertia(mass float64, inertia *lin.V3) *lin.V3 {
	// Parallel-axis combination is the caller's (ComputeMassProperties
	// in bodyinterface.go) job; a compound alone only reports the un-shifted sum
	// of its children, weighted by their volume fraction.
	var sum lin.V3
	var tmp lin.V3
	for _, ch := range c.Children {
		frac := mass
		if c.volume > 0 {
			frac = mass * ch.Shape.Volume() / c.volume
		}
		ch.Shape.Inertia(frac, &tmp)
		sum.X += tmp.X
		sum.Y += tmp.Y
		sum.Z += tmp.Z
	}
	return inertia.SetS(sum.X, sum.Y, sum.Z)
}

func (c *CompoundShape) CastRay(origin, dir lin.V3) (fraction float64, sub SubShapeID, ok bool) {
	best := math.Inf(1)
	var bestSub SubShapeID
	found := false
	var invRot lin.Q
	for i, ch := range c.Children {
		localOrigin := origin
		ch.Local.Inv(&localOrigin) // localOrigin = ch.Local^-1 * origin.
		invRot.Inv(ch.Local.Rot)
		var localDir lin.V3
		localDir.MultvQ(&dir, &invRot)
		if f, _, hit := ch.Shape.CastRay(localOrigin, localDir); hit && f < best {
			best = f
			bestSub = RootSubShapeID.PushID(uint32(i), 16)
			found = true
		}
	}
	return best, bestSub, found
}

func (c *CompoundShape) PointInside(p lin.V3) bool {
	for _, ch := range c.Children {
		local := p
		ch.Local.Inv(&local)
		if ch.Shape.PointInside(local) {
			return true
		}
	}
	return false
}

func (c *CompoundShape) LeafShapes(yield func(Shape, lin.T, SubShapeID)) {
	for i, ch := range c.Children {
		yield(ch.Shape, ch.Local, RootSubShapeID.PushID(uint32(i), 16))
	}
}
