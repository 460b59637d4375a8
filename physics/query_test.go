package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/math/lin"
)

func queryWorld(t *testing.T) (*PhysicsSystem, BodyID, BodyID) {
	t.Helper()
	ps := newTestSystem()
	bi := ps.BodyInterface()
	near, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewSphereShape(1),
		Position:   lin.V3{X: 5},
		MotionType: MotionStatic,
	}, false)
	require.NoError(t, err)
	far, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewSphereShape(1),
		Position:   lin.V3{X: 12},
		MotionType: MotionStatic,
	}, false)
	require.NoError(t, err)
	return ps, near, far
}

func TestCastRayClosestHit(t *testing.T) {
	ps, near, _ := queryWorld(t)
	var c ClosestHitRayCollector
	ps.NarrowPhaseQuery().CastRay(lin.V3{}, lin.V3{X: 20}, &c)
	require.True(t, c.HasHit)
	assert.Equal(t, near, c.Hit.Body)
	assert.InDelta(t, 0.2, c.Hit.Fraction, 1e-9) // surface at x=4, 4/20.
}

func TestCastRayAllHits(t *testing.T) {
	ps, _, _ := queryWorld(t)
	var c AllHitRayCollector
	ps.NarrowPhaseQuery().CastRay(lin.V3{}, lin.V3{X: 20}, &c)
	assert.Len(t, c.Hits, 2)
}

func TestCastRayEarlyOut(t *testing.T) {
	ps, _, _ := queryWorld(t)
	var c AnyHitRayCollector
	ps.NarrowPhaseQuery().CastRay(lin.V3{}, lin.V3{X: 20}, &c)
	assert.True(t, c.HasHit)
}

func TestCastRayMiss(t *testing.T) {
	ps, _, _ := queryWorld(t)
	var c ClosestHitRayCollector
	ps.NarrowPhaseQuery().CastRay(lin.V3{Y: 10}, lin.V3{X: 20}, &c)
	assert.False(t, c.HasHit)
}

func TestCollidePointQuery(t *testing.T) {
	ps, near, _ := queryWorld(t)
	var hits []BodyID
	ps.NarrowPhaseQuery().CollidePoint(lin.V3{X: 5.5}, func(id BodyID) bool {
		hits = append(hits, id)
		return true
	})
	require.Len(t, hits, 1)
	assert.Equal(t, near, hits[0])
}

func TestCollideShapeQuery(t *testing.T) {
	ps, near, _ := queryWorld(t)
	probe := NewSphereShape(1)
	var c AllHitCollideCollector
	ps.NarrowPhaseQuery().CollideShape(probe, poseAt(3.5, 0, 0), &c)
	require.NotEmpty(t, c.Bodies)
	assert.Equal(t, near, c.Bodies[0])
}

func TestCastShapeQuery(t *testing.T) {
	ps, near, _ := queryWorld(t)
	probe := NewSphereShape(0.5)
	var c ClosestHitShapeCollector
	ps.NarrowPhaseQuery().CastShape(probe, poseAt(0, 0, 0), lin.V3{X: 20}, &c)
	require.True(t, c.HasHit)
	assert.Equal(t, near, c.Body)
	// Surfaces meet when the centers are 1.5 apart: x = 3.5, 3.5/20.
	assert.InDelta(t, 3.5/20.0, c.Hit.Fraction, 1e-9)
}

func TestCollectTransformedShapes(t *testing.T) {
	ps := newTestSystem()
	bi := ps.BodyInterface()
	compound := NewCompoundShape([]CompoundChild{
		{Shape: NewSphereShape(0.5), Local: poseAt(-1, 0, 0)},
		{Shape: NewSphereShape(0.5), Local: poseAt(1, 0, 0)},
	})
	id, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      compound,
		Position:   lin.V3{Y: 1},
		MotionType: MotionStatic,
	}, false)
	require.NoError(t, err)

	var got []TransformedShape
	ps.NarrowPhaseQuery().CollectTransformedShapes(
		AABB{Min: lin.V3{X: -5, Y: -5, Z: -5}, Max: lin.V3{X: 5, Y: 5, Z: 5}},
		func(ts TransformedShape) bool {
			got = append(got, ts)
			return true
		})
	require.Len(t, got, 2)
	assert.Equal(t, id, got[0].Body)
	assert.InDelta(t, 1.0, got[0].Pose.Loc.Y, 1e-9)
}
