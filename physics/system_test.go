package physics

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/jobsys"
	"github.com/corephys/sim/math/lin"
)

const testDt = 1.0 / 60

func newTestSystem(opts ...Option) *PhysicsSystem {
	bpl := NewMapBroadPhaseLayerInterface([]BroadPhaseLayer{0})
	return NewPhysicsSystem(1024, 8, 4096, 4096, bpl,
		AllowAllObjectVsBroadPhaseLayerFilter, AllowAllObjectLayerPairFilter, opts...)
}

func addGround(t *testing.T, ps *PhysicsSystem) BodyID {
	t.Helper()
	id, err := ps.BodyInterface().CreateAndAddBody(BodyCreationSettings{
		Shape:      NewBoxShape(50, 0.5, 50),
		Position:   lin.V3{Y: -0.5}, // top face at y = 0.
		MotionType: MotionStatic,
	}, false)
	require.NoError(t, err)
	return id
}

func addDynamicBox(t *testing.T, ps *PhysicsSystem, pos lin.V3, half, mass float64) BodyID {
	t.Helper()
	id, err := ps.BodyInterface().CreateAndAddBody(BodyCreationSettings{
		Shape:      NewBoxShape(half, half, half),
		Position:   pos,
		MotionType: MotionDynamic,
		Mass:       mass,
		Friction:   0.5,
	}, true)
	require.NoError(t, err)
	return id
}

func step(t *testing.T, ps *PhysicsSystem, pool *jobsys.Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, ps.Update(testDt, 1, 1, pool))
	}
}

// A small stack on a static floor settles, stays
// in place and falls asleep.
func TestStackSettlesAndSleeps(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	addGround(t, ps)
	var boxes []BodyID
	for i := 0; i < 3; i++ {
		boxes = append(boxes, addDynamicBox(t, ps, lin.V3{Y: 0.5 + float64(i)}, 0.5, 1))
	}

	step(t, ps, pool, 180)

	bi := ps.BodyInterface()
	for i, id := range boxes {
		pos, ok := bi.Position(id)
		require.True(t, ok)
		assert.InDelta(t, 0.0, pos.X, 0.05, "box %d drifted in x", i)
		assert.InDelta(t, 0.0, pos.Z, 0.05, "box %d drifted in z", i)
		assert.InDelta(t, 0.5+float64(i), pos.Y, 0.1, "box %d wrong height", i)
		assert.False(t, bi.IsActive(id), "box %d should be asleep after settling", i)
	}
}

// A pendulum on a point constraint conserves its rod
// length and does not gain energy.
func TestPendulum(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	bi := ps.BodyInterface()

	anchor, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewSphereShape(0.1),
		MotionType: MotionStatic,
	}, false)
	require.NoError(t, err)
	bob, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewBoxShape(0.5, 0.5, 0.5),
		Position:   lin.V3{X: 1},
		MotionType: MotionDynamic,
		Mass:       1,
	}, true)
	require.NoError(t, err)
	ps.AddConstraint(NewPointConstraint(anchor, bob, lin.V3{}, lin.V3{X: -1}))

	initialEnergy := 9.81 * 1.0 // m g h above the lowest point (0,-1,0).
	minY := 1.0
	for i := 0; i < 600; i++ {
		require.NoError(t, ps.Update(testDt, 1, 1, pool))
		pos, ok := bi.Position(bob)
		require.True(t, ok)
		dist := pos.Len()
		assert.InDelta(t, 1.0, dist, 0.1, "rod length violated at step %d", i)
		if pos.Y < minY {
			minY = pos.Y
		}
		b := ps.Bodies().Body(bob)
		v := b.LinearVelocity()
		energy := 0.5*v.LenSqr() + 9.81*(pos.Y+1)
		assert.LessOrEqual(t, energy, initialEnergy*1.10, "energy grew at step %d", i)
	}
	assert.Less(t, minY, -0.5, "pendulum never swung down")
}

// A fast linear-cast ball stops at the wall instead of
// tunneling through it.
func TestFastBallDoesNotTunnel(t *testing.T) {
	ps := newTestSystem(WithGravity(lin.V3{}))
	pool := jobsys.NewPool(2)
	bi := ps.BodyInterface()

	_, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewBoxShape(0.1, 5, 5),
		Position:   lin.V3{X: 1},
		MotionType: MotionStatic,
	}, false)
	require.NoError(t, err)

	ball, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:          NewSphereShape(0.1),
		Position:       lin.V3{},
		MotionType:     MotionDynamic,
		MotionQuality:  MotionLinearCast,
		Mass:           1,
		LinearVelocity: lin.V3{X: 100},
	}, true)
	require.NoError(t, err)

	step(t, ps, pool, 1)

	pos, ok := bi.Position(ball)
	require.True(t, ok)
	// Wall face at x = 0.9; the ball center stops one radius short,
	// within the CCD penetration slop.
	assert.Greater(t, pos.X, 0.6, "ball stopped far too early")
	assert.Less(t, pos.X, 0.9, "ball tunneled into or through the wall")
	b := ps.Bodies().Body(ball)
	assert.Less(t, b.LinearVelocity().X, 1.0, "normal velocity not absorbed")
}

// Property 3 complement: a slow linear-cast body integrates exactly
// like a discrete one.
func TestSlowLinearCastBodyIntegratesNormally(t *testing.T) {
	ps := newTestSystem(WithGravity(lin.V3{}))
	pool := jobsys.NewPool(1)
	ball, err := ps.BodyInterface().CreateAndAddBody(BodyCreationSettings{
		Shape:          NewSphereShape(0.5),
		MotionType:     MotionDynamic,
		MotionQuality:  MotionLinearCast,
		Mass:           1,
		LinearVelocity: lin.V3{X: 1},
	}, true)
	require.NoError(t, err)

	step(t, ps, pool, 1)
	pos, _ := ps.BodyInterface().Position(ball)
	assert.InDelta(t, testDt, pos.X, 1e-9, "symplectic Euler expected for slow bodies")
}

// A new contact wakes a sleeping body the step the contact
// constraint is created.
func TestContactWakesSleepingBody(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	bi := ps.BodyInterface()
	addGround(t, ps)

	resting, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewSphereShape(0.5),
		Position:   lin.V3{Y: 0.5},
		MotionType: MotionDynamic,
		Mass:       1,
	}, true)
	require.NoError(t, err)

	// Let it settle and fall asleep (>= 2 simulated seconds).
	step(t, ps, pool, 180)
	require.False(t, bi.IsActive(resting), "sphere should be asleep before the drop")

	dropped, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewSphereShape(0.5),
		Position:   lin.V3{Y: 3},
		MotionType: MotionDynamic,
		Mass:       1,
	}, true)
	require.NoError(t, err)

	woke := false
	for i := 0; i < 120 && !woke; i++ {
		step(t, ps, pool, 1)
		woke = bi.IsActive(resting)
	}
	assert.True(t, woke, "falling sphere's contact never woke the resting one")
	_ = dropped
}

// Exceeding the body-pair capacity degrades (fewer
// contacts) without failing the step or corrupting bodies.
func TestBodyPairCapacityExceeded(t *testing.T) {
	s := DefaultSettings()
	s.MaxBodyPairs = 3
	ps := newTestSystem(WithSettings(s))
	pool := jobsys.NewPool(2)
	bi := ps.BodyInterface()

	for i := 0; i < 10; i++ {
		_, err := bi.CreateAndAddBody(BodyCreationSettings{
			Shape:      NewSphereShape(1),
			Position:   lin.V3{X: float64(i) * 0.1},
			MotionType: MotionDynamic,
			Mass:       1,
		}, true)
		require.NoError(t, err)
	}
	before := ps.Bodies().NumBodies()
	require.NoError(t, ps.Update(testDt, 1, 1, pool))
	assert.Equal(t, before, ps.Bodies().NumBodies())
}

// The same scene stepped with 1 worker and with 8 workers
// produces byte-identical state.
func TestParallelDeterminism(t *testing.T) {
	build := func() *PhysicsSystem {
		ps := newTestSystem()
		bi := ps.BodyInterface()
		_, err := bi.CreateAndAddBody(BodyCreationSettings{
			Shape:      NewBoxShape(50, 0.5, 50),
			Position:   lin.V3{Y: -0.5},
			MotionType: MotionStatic,
		}, false)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			_, err := bi.CreateAndAddBody(BodyCreationSettings{
				Shape:      NewBoxShape(0.5, 0.5, 0.5),
				Position:   lin.V3{X: float64(i) * 3, Y: 0.6},
				MotionType: MotionDynamic,
				Mass:       1,
				Friction:   0.4,
			}, true)
			if err != nil {
				t.Fatal(err)
			}
		}
		return ps
	}

	psA := build()
	psB := build()
	poolA := jobsys.NewPool(1)
	poolB := jobsys.NewPool(8)
	for i := 0; i < 60; i++ {
		require.NoError(t, psA.Update(testDt, 1, 1, poolA))
		require.NoError(t, psB.Update(testDt, 1, 1, poolB))
	}

	recA, recB := NewStateRecorder(), NewStateRecorder()
	psA.SaveState(recA)
	psB.SaveState(recB)
	assert.True(t, bytes.Equal(recA.Bytes(), recB.Bytes()),
		"worker count leaked into simulation state")
}

// Sub-steps: collision steps times integration sub-steps advance the
// same total time.
func TestSubSteppingAdvancesSameTime(t *testing.T) {
	psA := newTestSystem(WithGravity(lin.V3{}))
	psB := newTestSystem(WithGravity(lin.V3{}))
	pool := jobsys.NewPool(1)

	mk := func(ps *PhysicsSystem) BodyID {
		id, err := ps.BodyInterface().CreateAndAddBody(BodyCreationSettings{
			Shape:          NewSphereShape(0.5),
			MotionType:     MotionDynamic,
			Mass:           1,
			LinearVelocity: lin.V3{X: 3},
		}, true)
		require.NoError(t, err)
		return id
	}
	a, b := mk(psA), mk(psB)

	require.NoError(t, psA.Update(testDt, 1, 1, pool))
	require.NoError(t, psB.Update(testDt, 2, 2, pool))

	pa, _ := psA.BodyInterface().Position(a)
	pb, _ := psB.BodyInterface().Position(b)
	assert.InDelta(t, pa.X, pb.X, 1e-9)
}

func TestUpdateRejectsBadStepCounts(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(1)
	assert.Error(t, ps.Update(testDt, 0, 1, pool))
	assert.Error(t, ps.Update(testDt, 1, 0, pool))
}

func TestAddBodyRefusedDuringStep(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	bi := ps.BodyInterface()

	id, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:      NewSphereShape(0.5),
		MotionType: MotionDynamic,
		Mass:       1,
	}, true)
	require.NoError(t, err)

	// Install a step listener that tries to add a body mid-step.
	var addErr error
	extra, err := bi.CreateBody(BodyCreationSettings{
		Shape:      NewSphereShape(0.5),
		MotionType: MotionDynamic,
		Mass:       1,
	})
	require.NoError(t, err)
	ps.AddStepListener(StepListenerFunc(func(float64, *PhysicsSystem) {
		addErr = bi.AddBody(extra, true)
	}))
	require.NoError(t, ps.Update(testDt, 1, 1, pool))
	assert.Error(t, addErr, "AddBody during step must be refused")
	_ = id
}

func TestBodyIDStableAcrossUpdate(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	addGround(t, ps)
	id := addDynamicBox(t, ps, lin.V3{Y: 2}, 0.5, 1)

	step(t, ps, pool, 120)
	b := ps.Bodies().Body(id)
	require.NotNil(t, b, "BodyID must survive Update")
	assert.Equal(t, id, b.ID())
}

// Restitution policy: a resting contact must not bounce even with
// restitution set.
func TestNoRestitutionOnRestingContact(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	bi := ps.BodyInterface()
	addGround(t, ps)

	ball, err := bi.CreateAndAddBody(BodyCreationSettings{
		Shape:       NewSphereShape(0.5),
		Position:    lin.V3{Y: 0.5},
		MotionType:  MotionDynamic,
		Mass:        1,
		Restitution: 0.8,
	}, true)
	require.NoError(t, err)

	maxY := 0.0
	for i := 0; i < 120; i++ {
		step(t, ps, pool, 1)
		pos, _ := bi.Position(ball)
		if i > 10 && pos.Y > maxY {
			maxY = pos.Y
		}
	}
	assert.Less(t, maxY, 0.6, "resting ball bounced (restitution on resting contact)")
}

func TestEnergyFiniteUnderLongRun(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(4)
	addGround(t, ps)
	for i := 0; i < 8; i++ {
		addDynamicBox(t, ps, lin.V3{X: float64(i%4) * 1.5, Y: 1 + float64(i/4)*1.2, Z: 0}, 0.5, 1)
	}
	step(t, ps, pool, 300)
	for _, id := range ps.Bodies().ActiveBodies() {
		b := ps.Bodies().Body(id)
		if b == nil {
			continue
		}
		pos := b.Position()
		vel := b.LinearVelocity()
		require.False(t, math.IsNaN(pos.Len()), "NaN position")
		require.Less(t, vel.Len(), 100.0, "velocity blew up")
	}
}
