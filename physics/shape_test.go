package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/math/lin"
)

func identityPose() lin.T {
	return lin.T{Loc: &lin.V3{}, Rot: &lin.Q{W: 1}}
}

func poseAt(x, y, z float64) lin.T {
	return lin.T{Loc: &lin.V3{X: x, Y: y, Z: z}, Rot: &lin.Q{W: 1}}
}

func TestSphereAabb(t *testing.T) {
	s := NewSphereShape(2)
	pose := poseAt(1, 2, 3)
	var ab AABB
	s.Aabb(&pose, &ab, 0)
	assert.InDelta(t, -1.0, ab.Min.X, 1e-12)
	assert.InDelta(t, 0.0, ab.Min.Y, 1e-12)
	assert.InDelta(t, 5.0, ab.Max.Z, 1e-12)
}

func TestBoxAabbRotated(t *testing.T) {
	b := NewBoxShape(1, 2, 3)
	// 90 degrees about z swaps the x and y extents.
	rot := lin.Q{}
	rot.SetAa(0, 0, 1, math.Pi/2)
	pose := lin.T{Loc: &lin.V3{}, Rot: &rot}
	var ab AABB
	b.Aabb(&pose, &ab, 0)
	assert.InDelta(t, 2.0, ab.Max.X, 1e-9)
	assert.InDelta(t, 1.0, ab.Max.Y, 1e-9)
	assert.InDelta(t, 3.0, ab.Max.Z, 1e-9)
}

func TestInnerRadius(t *testing.T) {
	assert.Equal(t, 0.5, NewSphereShape(0.5).InnerRadius())
	assert.Equal(t, 1.0, NewBoxShape(1, 2, 3).InnerRadius())
}

func TestSphereCastRay(t *testing.T) {
	s := NewSphereShape(1)
	frac, _, ok := s.CastRay(lin.V3{X: -5}, lin.V3{X: 10})
	require.True(t, ok)
	assert.InDelta(t, 0.4, frac, 1e-9) // hits at x=-1, 4 units along a 10 unit ray.

	_, _, ok = s.CastRay(lin.V3{X: -5, Y: 3}, lin.V3{X: 10})
	assert.False(t, ok, "ray passing above the sphere should miss")
}

func TestBoxCastRay(t *testing.T) {
	b := NewBoxShape(1, 1, 1)
	frac, _, ok := b.CastRay(lin.V3{X: -3}, lin.V3{X: 4})
	require.True(t, ok)
	assert.InDelta(t, 0.5, frac, 1e-9)
}

func TestBoxPointInside(t *testing.T) {
	b := NewBoxShape(1, 1, 1)
	assert.True(t, b.PointInside(lin.V3{X: 0.5, Y: -0.5, Z: 0.99}))
	assert.False(t, b.PointInside(lin.V3{X: 1.01}))
}

func TestCompoundAabbAndLeaves(t *testing.T) {
	c := NewCompoundShape([]CompoundChild{
		{Shape: NewSphereShape(1), Local: poseAt(-2, 0, 0)},
		{Shape: NewSphereShape(1), Local: poseAt(2, 0, 0)},
	})
	pose := identityPose()
	var ab AABB
	c.Aabb(&pose, &ab, 0)
	assert.InDelta(t, -3.0, ab.Min.X, 1e-12)
	assert.InDelta(t, 3.0, ab.Max.X, 1e-12)

	var subs []SubShapeID
	c.LeafShapes(func(_ Shape, _ lin.T, sub SubShapeID) { subs = append(subs, sub) })
	require.Len(t, subs, 2)
	assert.NotEqual(t, subs[0], subs[1], "leaf sub-shape ids must be distinct")
}

func TestCompoundCastRayPicksNearestChild(t *testing.T) {
	c := NewCompoundShape([]CompoundChild{
		{Shape: NewSphereShape(1), Local: poseAt(0, 0, 0)},
		{Shape: NewSphereShape(1), Local: poseAt(5, 0, 0)},
	})
	frac, sub, ok := c.CastRay(lin.V3{X: -3}, lin.V3{X: 12})
	require.True(t, ok)
	assert.InDelta(t, 2.0/12.0, frac, 1e-9)
	assert.Equal(t, RootSubShapeID.PushID(0, 16), sub)
}

func TestComputeMassPropertiesSphere(t *testing.T) {
	mp := ComputeMassProperties(NewSphereShape(1), 5)
	assert.Equal(t, 5.0, mp.Mass)
	// Solid sphere: I = 2/5 m r^2 = 2, inverse = 0.5 on the diagonal.
	assert.InDelta(t, 0.5, mp.InverseInertia.Xx, 1e-9)
	assert.InDelta(t, 0.5, mp.InverseInertia.Yy, 1e-9)
	assert.InDelta(t, 0.5, mp.InverseInertia.Zz, 1e-9)
	assert.Equal(t, lin.V3{}, mp.CenterOfMass)
}

func TestComputeMassPropertiesCompoundCenterOfMass(t *testing.T) {
	c := NewCompoundShape([]CompoundChild{
		{Shape: NewSphereShape(1), Local: poseAt(-1, 0, 0)},
		{Shape: NewSphereShape(1), Local: poseAt(3, 0, 0)},
	})
	mp := ComputeMassProperties(c, 2)
	// Equal volumes: center of mass halfway between the children.
	assert.InDelta(t, 1.0, mp.CenterOfMass.X, 1e-9)
}
