package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/math/lin"
)

func TestCollideSphereSphereOverlap(t *testing.T) {
	a := NewSphereShape(1)
	b := NewSphereShape(1)
	results := CollidePair(a, poseAt(0, 0, 0), b, poseAt(1.5, 0, 0), 0, nil)
	require.Len(t, results, 1)
	r := results[0]
	assert.InDelta(t, 0.5, r.PenetrationDepth, 1e-9)
	assert.InDelta(t, 1.0, r.PenetrationAxis.X, 1e-9)
	assert.InDelta(t, 1.0, r.Point1.X, 1e-9) // surface of sphere 1 toward sphere 2.
	assert.InDelta(t, 0.5, r.Point2.X, 1e-9)
}

func TestCollideSphereSphereSeparatedBySpeculative(t *testing.T) {
	a := NewSphereShape(1)
	b := NewSphereShape(1)

	// Separated by 0.1: no contact without speculative distance, one
	// negative-depth contact with it.
	results := CollidePair(a, poseAt(0, 0, 0), b, poseAt(2.1, 0, 0), 0, nil)
	assert.Empty(t, results)

	results = CollidePair(a, poseAt(0, 0, 0), b, poseAt(2.1, 0, 0), 0.2, nil)
	require.Len(t, results, 1)
	assert.InDelta(t, -0.1, results[0].PenetrationDepth, 1e-9)
}

func TestCollideSphereBox(t *testing.T) {
	s := NewSphereShape(0.5)
	b := NewBoxShape(1, 1, 1)
	// Sphere resting on top of the box, slightly penetrating.
	results := CollidePair(s, poseAt(0, 1.4, 0), b, poseAt(0, 0, 0), 0, nil)
	require.Len(t, results, 1)
	r := results[0]
	assert.InDelta(t, 0.1, r.PenetrationDepth, 1e-9)
	// Axis points from the sphere (shape 1) toward the box (shape 2).
	assert.InDelta(t, -1.0, r.PenetrationAxis.Y, 1e-9)
}

func TestCollideBoxBoxStacked(t *testing.T) {
	a := NewBoxShape(0.5, 0.5, 0.5)
	b := NewBoxShape(0.5, 0.5, 0.5)
	// b sits on top of a with a small overlap.
	results := CollidePair(a, poseAt(0, 0, 0), b, poseAt(0, 0.95, 0), 0, nil)
	require.NotEmpty(t, results)
	r := results[0]
	assert.InDelta(t, 0.05, r.PenetrationDepth, 1e-6)
	assert.InDelta(t, 1.0, math.Abs(r.PenetrationAxis.Y), 1e-6)
	assert.NotNil(t, r.Face1)
	assert.NotNil(t, r.Face2)
}

func TestCollideBoxBoxSeparated(t *testing.T) {
	a := NewBoxShape(0.5, 0.5, 0.5)
	b := NewBoxShape(0.5, 0.5, 0.5)
	results := CollidePair(a, poseAt(0, 0, 0), b, poseAt(3, 0, 0), 0, nil)
	assert.Empty(t, results)
}

func TestCollidePairCompoundExpandsLeaves(t *testing.T) {
	dumbbell := NewCompoundShape([]CompoundChild{
		{Shape: NewSphereShape(0.5), Local: poseAt(-1, 0, 0)},
		{Shape: NewSphereShape(0.5), Local: poseAt(1, 0, 0)},
	})
	ball := NewSphereShape(0.5)
	// Ball overlaps only the +x lobe.
	results := CollidePair(dumbbell, poseAt(0, 0, 0), ball, poseAt(1.8, 0, 0), 0, nil)
	require.Len(t, results, 1)
	assert.Equal(t, RootSubShapeID.PushID(1, 16), results[0].Sub1)
	assert.Equal(t, RootSubShapeID, results[0].Sub2)
}

func TestManifoldBetweenTwoFaces(t *testing.T) {
	// Two unit squares in the y=0 plane, the incident one shifted by
	// half a unit in x: the clip region is the overlapping half.
	ref := []lin.V3{{X: -0.5, Z: -0.5}, {X: 0.5, Z: -0.5}, {X: 0.5, Z: 0.5}, {X: -0.5, Z: 0.5}}
	inc := []lin.V3{
		{X: 0, Y: -0.02, Z: -0.5}, {X: 1, Y: -0.02, Z: -0.5},
		{X: 1, Y: -0.02, Z: 0.5}, {X: 0, Y: -0.02, Z: 0.5},
	}
	normal := lin.V3{Y: -1} // reference face normal pointing at the incident face.

	points, depths := ManifoldBetweenTwoFaces(ref, inc, normal, 0.1, 1e-3)
	require.NotEmpty(t, points)
	require.Equal(t, len(points), len(depths))
	for _, p := range points {
		assert.LessOrEqual(t, p.X, 0.5+1e-9, "clipped point escaped the reference face")
		assert.GreaterOrEqual(t, p.X, -1e-9)
	}
}

func TestPruneManifoldPointsKeepsDeepest(t *testing.T) {
	pts := []lin.V3{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 1.5, Z: 1}, {X: 0.5, Z: -1}}
	depths := []float64{0.5, 0.1, 0.2, 0.05, 0.3, 0.01}
	keep := PruneManifoldPoints(pts, depths, 4)
	require.Len(t, keep, 4)
	assert.Equal(t, 0, keep[0], "deepest point must survive pruning")
}

func TestMergeByNormalGroupsParallelResults(t *testing.T) {
	up := lin.V3{Y: 1}
	side := lin.V3{X: 1}
	groups := mergeByNormal([]CollideShapeResult{
		{PenetrationAxis: up},
		{PenetrationAxis: up},
		{PenetrationAxis: side},
	}, 0.99)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
}
