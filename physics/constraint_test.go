package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/math/lin"
)

func dynamicBodyAt(x, y, z float64) *Body {
	b := NewBody(NewSphereShape(0.5), 1)
	b.SetPositionAndRotation(lin.V3{X: x, Y: y, Z: z}, lin.Q{W: 1})
	return b
}

func staticBodyAt(x, y, z float64) *Body {
	b := NewBody(NewSphereShape(0.5), 0)
	b.SetMotionType(MotionStatic)
	b.SetPositionAndRotation(lin.V3{X: x, Y: y, Z: z}, lin.Q{W: 1})
	return b
}

func TestAxisPartEffectiveMass(t *testing.T) {
	b1 := dynamicBodyAt(0, 0, 0)
	b2 := dynamicBodyAt(1, 0, 0)
	p := axisConstraintPart{axis: lin.V3{X: 1}}
	p.reset()
	p.setup(b1, b2)
	// Two unit masses through their centers: k = invM1 + invM2 = 2.
	assert.InDelta(t, 0.5, p.effMass, 1e-9)

	st := staticBodyAt(0, 0, 0)
	p2 := axisConstraintPart{axis: lin.V3{X: 1}}
	p2.reset()
	p2.setup(st, b2)
	assert.InDelta(t, 1.0, p2.effMass, 1e-9)

	p3 := axisConstraintPart{axis: lin.V3{X: 1}}
	p3.reset()
	p3.setup(st, staticBodyAt(1, 0, 0))
	assert.Zero(t, p3.effMass, "two non-dynamic bodies have no solvable mass")
}

func TestAxisPartSolveKillsRelativeVelocity(t *testing.T) {
	b1 := dynamicBodyAt(0, 0, 0)
	b2 := dynamicBodyAt(1, 0, 0)
	b2.SetLinearVelocity(lin.V3{X: -2}) // approaching b1.

	p := axisConstraintPart{axis: lin.V3{X: 1}}
	p.reset()
	p.setup(b1, b2)
	changed := p.solve(b1, b2)
	require.True(t, changed)
	assert.InDelta(t, 0.0, p.relativeVelocity(b1, b2), 1e-9)
}

func TestAxisPartClampAccumulated(t *testing.T) {
	b1 := staticBodyAt(0, 0, 0)
	b2 := dynamicBodyAt(1, 0, 0)
	b2.SetLinearVelocity(lin.V3{X: 5}) // separating.

	p := axisConstraintPart{axis: lin.V3{X: 1}}
	p.reset()
	p.minLambda = 0 // non-penetration style clamp.
	p.setup(b1, b2)
	p.solve(b1, b2)
	// A separating contact may not pull the body back.
	assert.Zero(t, p.lambda)
	assert.InDelta(t, 5.0, b2.LinearVelocity().X, 1e-9)
}

func TestPointConstraintRemovesAnchorVelocity(t *testing.T) {
	anchor := staticBodyAt(0, 0, 0)
	bob := dynamicBodyAt(1, 0, 0)
	bob.SetLinearVelocity(lin.V3{X: 3, Y: -1, Z: 2})

	c := NewPointConstraint(anchor.id, bob.id, lin.V3{}, lin.V3{X: -1})
	c.setup(anchor, bob, 1.0/60)
	for i := 0; i < 10; i++ {
		if !c.solveVelocity(anchor, bob, 1.0/60) {
			break
		}
	}
	// The anchor point on the bob is its local (-1,0,0) = world origin;
	// after solving, that point's velocity must vanish.
	_, r2 := worldAnchor(bob, lin.V3{X: -1})
	var wxr lin.V3
	av := bob.AngularVelocity()
	wxr.Cross(&av, &r2)
	lv := bob.LinearVelocity()
	pointVel := lin.V3{X: lv.X + wxr.X, Y: lv.Y + wxr.Y, Z: lv.Z + wxr.Z}
	assert.InDelta(t, 0, pointVel.Len(), 1e-6)
}

func TestDistanceConstraintOneSidedBands(t *testing.T) {
	a := staticBodyAt(0, 0, 0)
	b := dynamicBodyAt(3, 0, 0)
	b.SetLinearVelocity(lin.V3{X: 1}) // stretching further past max.

	c := NewDistanceConstraint(a.id, b.id, lin.V3{}, lin.V3{}, 1, 2)
	c.setup(a, b, 1.0/60)
	require.NotZero(t, c.part.effMass, "outside the band the row must be active")
	c.solveVelocity(a, b, 1.0/60)
	assert.LessOrEqual(t, b.LinearVelocity().X, 1e-9, "stretch velocity must be cancelled")

	// Inside the band the row is inactive.
	b2 := dynamicBodyAt(1.5, 0, 0)
	c2 := NewDistanceConstraint(a.id, b2.id, lin.V3{}, lin.V3{}, 1, 2)
	c2.setup(a, b2, 1.0/60)
	assert.Zero(t, c2.part.effMass)
}

func TestFixedConstraintStopsRelativeSpin(t *testing.T) {
	a := dynamicBodyAt(0, 0, 0)
	b := dynamicBodyAt(1, 0, 0)
	b.SetAngularVelocity(lin.V3{Z: 4})

	c := NewFixedConstraint(a.id, b.id, lin.V3{}, lin.V3{X: -1}, lin.Q{W: 1})
	c.setup(a, b, 1.0/60)
	for i := 0; i < 20; i++ {
		if !c.solveVelocity(a, b, 1.0/60) {
			break
		}
	}
	av1, av2 := a.AngularVelocity(), b.AngularVelocity()
	rel := lin.V3{X: av2.X - av1.X, Y: av2.Y - av1.Y, Z: av2.Z - av1.Z}
	assert.InDelta(t, 0, rel.Len(), 1e-6, "welded bodies must spin together")
}

func TestHingeConstraintAllowsAxisSpinOnly(t *testing.T) {
	a := staticBodyAt(0, 0, 0)
	b := dynamicBodyAt(0, 0, 0)
	b.SetAngularVelocity(lin.V3{X: 1, Y: 2, Z: 3})

	axis := lin.V3{Z: 1}
	c := NewHingeConstraint(a.id, b.id, lin.V3{}, lin.V3{}, axis, axis, -math.Pi, math.Pi)
	c.setup(a, b, 1.0/60)
	for i := 0; i < 20; i++ {
		if !c.solveVelocity(a, b, 1.0/60) {
			break
		}
	}
	av := b.AngularVelocity()
	assert.InDelta(t, 0, av.X, 1e-6, "off-axis spin removed")
	assert.InDelta(t, 0, av.Y, 1e-6, "off-axis spin removed")
	assert.InDelta(t, 3, av.Z, 1e-6, "hinge-axis spin preserved")
}

func TestSliderConstraintAllowsAxisTravelOnly(t *testing.T) {
	a := staticBodyAt(0, 0, 0)
	b := dynamicBodyAt(0, 0, 0)
	b.SetLinearVelocity(lin.V3{X: 2, Y: 3, Z: -1})

	c := NewSliderConstraint(a.id, b.id, lin.V3{}, lin.V3{}, lin.V3{X: 1}, -10, 10)
	c.setup(a, b, 1.0/60)
	for i := 0; i < 20; i++ {
		if !c.solveVelocity(a, b, 1.0/60) {
			break
		}
	}
	lv := b.LinearVelocity()
	assert.InDelta(t, 2, lv.X, 1e-6, "axis travel preserved")
	assert.InDelta(t, 0, lv.Y, 1e-6)
	assert.InDelta(t, 0, lv.Z, 1e-6)
}

func TestConeConstraintInactiveInsideCone(t *testing.T) {
	a := staticBodyAt(0, 0, 0)
	b := dynamicBodyAt(0, 0, 0)
	twist := lin.V3{X: 1}
	c := NewConeConstraint(a.id, b.id, lin.V3{}, lin.V3{}, twist, twist, math.Pi/4)
	c.setup(a, b, 1.0/60)
	assert.Zero(t, c.cone.effMass, "aligned axes are inside the cone")
}

func TestSixDOFLockedTranslationBehavesLikePoint(t *testing.T) {
	a := staticBodyAt(0, 0, 0)
	b := dynamicBodyAt(1, 0, 0)
	b.SetLinearVelocity(lin.V3{Y: -5})

	locked := DOFSetting{Mode: DOFLocked}
	free := DOFSetting{Mode: DOFFree}
	c := NewSixDOFConstraint(a.id, b.id, lin.V3{}, lin.V3{X: -1},
		[3]DOFSetting{locked, locked, locked},
		[3]DOFSetting{free, free, free})
	c.setup(a, b, 1.0/60)
	for i := 0; i < 20; i++ {
		if !c.solveVelocity(a, b, 1.0/60) {
			break
		}
	}
	_, r2 := worldAnchor(b, lin.V3{X: -1})
	var wxr lin.V3
	av := b.AngularVelocity()
	wxr.Cross(&av, &r2)
	lv := b.LinearVelocity()
	pointVel := lin.V3{X: lv.X + wxr.X, Y: lv.Y + wxr.Y, Z: lv.Z + wxr.Z}
	assert.InDelta(t, 0, pointVel.Len(), 1e-6)
}

func TestPathConstraintKeepsBodyOnPath(t *testing.T) {
	a := staticBodyAt(0, 0, 0)
	b := dynamicBodyAt(1, 0, 0)
	b.SetLinearVelocity(lin.V3{X: 1, Y: 2})

	// Path along the x axis: y/z velocity must cancel, x travel stays.
	c := NewPathConstraint(a.id, b.id, lin.V3{}, []lin.V3{{X: -10}, {X: 10}}, false)
	c.setup(a, b, 1.0/60)
	for i := 0; i < 20; i++ {
		if !c.solveVelocity(a, b, 1.0/60) {
			break
		}
	}
	lv := b.LinearVelocity()
	assert.InDelta(t, 1, lv.X, 1e-6)
	assert.InDelta(t, 0, lv.Y, 1e-6)
}

func TestConstraintLambdaRoundTrip(t *testing.T) {
	c := NewPointConstraint(newBodyID(0, 0), newBodyID(1, 0), lin.V3{}, lin.V3{})
	c.parts[0].lambda = 1.5
	c.parts[2].lambda = -0.5
	ls := c.lambdas()
	require.Len(t, ls, 3)

	c2 := NewPointConstraint(newBodyID(0, 0), newBodyID(1, 0), lin.V3{}, lin.V3{})
	c2.setLambdas(ls)
	assert.Equal(t, ls, c2.lambdas())
}
