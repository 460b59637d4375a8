package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *BodyStore {
	return NewBodyStore(16, 4, NewLogger(nil))
}

func TestCreateDestroyBody(t *testing.T) {
	s := newTestStore()
	b := NewBody(NewSphereShape(1), 1)
	id, err := s.CreateBody(b)
	require.NoError(t, err)
	require.False(t, id.IsInvalid())
	assert.Same(t, b, s.Body(id))
	assert.Equal(t, 1, s.NumBodies())

	require.NoError(t, s.DestroyBody(id))
	assert.Nil(t, s.Body(id))
	assert.Equal(t, 0, s.NumBodies())
}

func TestGenerationTagDetectsStaleID(t *testing.T) {
	s := newTestStore()
	id1, err := s.CreateBody(NewBody(NewSphereShape(1), 1))
	require.NoError(t, err)
	require.NoError(t, s.DestroyBody(id1))

	// The slot is reused with a bumped generation; the stale id must not
	// resolve.
	id2, err := s.CreateBody(NewBody(NewSphereShape(1), 1))
	require.NoError(t, err)
	assert.Equal(t, id1.Index(), id2.Index(), "slot should be reused")
	assert.NotEqual(t, id1, id2)
	assert.Nil(t, s.Body(id1), "stale id must not resolve")
	assert.NotNil(t, s.Body(id2))
}

func TestCreateRefusedDuringStep(t *testing.T) {
	s := newTestStore()
	s.BeginStep()
	_, err := s.CreateBody(NewBody(NewSphereShape(1), 1))
	assert.Error(t, err)
	s.EndStep()
	_, err = s.CreateBody(NewBody(NewSphereShape(1), 1))
	assert.NoError(t, err)
}

func TestDestroyedDuringStepFreesAtEndStep(t *testing.T) {
	s := newTestStore()
	id, err := s.CreateBody(NewBody(NewSphereShape(1), 1))
	require.NoError(t, err)

	s.BeginStep()
	require.NoError(t, s.DestroyBody(id))
	// Slot must not be handed out mid-step.
	assert.Empty(t, s.freeList)
	s.EndStep()
	assert.Len(t, s.freeList, 1)
}

func TestActivateDeactivate(t *testing.T) {
	s := newTestStore()
	var ids []BodyID
	for i := 0; i < 3; i++ {
		id, err := s.CreateBody(NewBody(NewSphereShape(1), 1))
		require.NoError(t, err)
		s.Activate(id)
		ids = append(ids, id)
	}
	require.Len(t, s.ActiveBodies(), 3)

	// Deactivating the middle body swap-removes; the displaced body's
	// activeIndex must be fixed up.
	s.Deactivate(ids[1])
	active := s.ActiveBodies()
	require.Len(t, active, 2)
	for _, id := range active {
		b := s.Body(id)
		assert.Equal(t, id, active[b.activeIndex])
	}

	// Double deactivation is a no-op.
	s.Deactivate(ids[1])
	assert.Len(t, s.ActiveBodies(), 2)
}

func TestActivateStaticIsIgnored(t *testing.T) {
	s := newTestStore()
	b := NewBody(NewSphereShape(1), 0)
	b.SetMotionType(MotionStatic)
	id, err := s.CreateBody(b)
	require.NoError(t, err)
	s.Activate(id)
	assert.Empty(t, s.ActiveBodies())
}

func TestLockTwoSameBucketDoesNotDeadlock(t *testing.T) {
	lm := NewLockManager(1) // every id hashes to the same mutex.
	a, b := newBodyID(1, 0), newBodyID(2, 0)
	lm.LockTwo(a, b)
	lm.UnlockTwo(a, b)
	lm.LockTwo(b, a)
	lm.UnlockTwo(b, a)
}

func TestLockManagerRoundsUpToPowerOfTwo(t *testing.T) {
	lm := NewLockManager(5)
	assert.Equal(t, 8, len(lm.mutexes))
}
