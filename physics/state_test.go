package physics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/jobsys"
	"github.com/corephys/sim/math/lin"
)

func TestSaveStateRestoreStateRoundTrip(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	addGround(t, ps)
	addDynamicBox(t, ps, lin.V3{Y: 2}, 0.5, 1)
	step(t, ps, pool, 30)

	rec := NewStateRecorder()
	ps.SaveState(rec)
	saved := append([]byte(nil), rec.Bytes()...)

	// Restoring the state we just saved and saving again must be a
	// byte-identical fixed point.
	require.NoError(t, ps.RestoreState(NewReadingStateRecorder(saved)))
	rec2 := NewStateRecorder()
	ps.SaveState(rec2)
	assert.True(t, bytes.Equal(saved, rec2.Bytes()))
}

func TestRestoreStateResumesIdentically(t *testing.T) {
	build := func() (*PhysicsSystem, BodyID) {
		ps := newTestSystem()
		addGround(t, ps)
		id := addDynamicBox(t, ps, lin.V3{Y: 3}, 0.5, 1)
		return ps, id
	}
	psA, boxA := build()
	psB, boxB := build()
	pool := jobsys.NewPool(2)

	// Both free-fall 5 steps; transplant A's state into B, then run
	// both through the landing. Their trajectories must match.
	step(t, psA, pool, 5)
	rec := NewStateRecorder()
	psA.SaveState(rec)
	require.NoError(t, psB.RestoreState(NewReadingStateRecorder(rec.Bytes())))

	step(t, psA, pool, 40)
	step(t, psB, pool, 40)

	pa, _ := psA.BodyInterface().Position(boxA)
	pb, _ := psB.BodyInterface().Position(boxB)
	assert.InDelta(t, pa.X, pb.X, 1e-9)
	assert.InDelta(t, pa.Y, pb.Y, 1e-9)
	assert.InDelta(t, pa.Z, pb.Z, 1e-9)
}

func TestValidatingRecorderDetectsMismatch(t *testing.T) {
	ps := newTestSystem()
	pool := jobsys.NewPool(2)
	addGround(t, ps)
	addDynamicBox(t, ps, lin.V3{Y: 2}, 0.5, 1)
	step(t, ps, pool, 10)

	rec := NewStateRecorder()
	ps.SaveState(rec)

	// Validating against the unchanged state passes.
	val := NewValidatingStateRecorder(rec.Bytes(), NewLogger(nil))
	ps.SaveState(val)
	assert.True(t, val.IsValid())
	assert.Equal(t, -1, val.MismatchPosition())

	// Corrupt one byte: validation must stop at it.
	corrupted := append([]byte(nil), rec.Bytes()...)
	corrupted[64] ^= 0xff
	val2 := NewValidatingStateRecorder(corrupted, NewLogger(nil))
	ps.SaveState(val2)
	assert.False(t, val2.IsValid())
	assert.GreaterOrEqual(t, val2.MismatchPosition(), 0)
	assert.LessOrEqual(t, val2.MismatchPosition(), 64)
}

func TestRestoreStateRejectsUnknownBody(t *testing.T) {
	psA := newTestSystem()
	addGround(t, psA)
	rec := NewStateRecorder()
	psA.SaveState(rec)

	psB := newTestSystem() // empty world: the ground body id is unknown.
	err := psB.RestoreState(NewReadingStateRecorder(rec.Bytes()))
	assert.Error(t, err)
}

func TestRestoreStateTruncatedStream(t *testing.T) {
	ps := newTestSystem()
	addGround(t, ps)
	rec := NewStateRecorder()
	ps.SaveState(rec)

	err := ps.RestoreState(NewReadingStateRecorder(rec.Bytes()[:10]))
	assert.Error(t, err)
}
