package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/math/lin"
)

func testSettings() *Settings {
	s := DefaultSettings()
	return &s
}

func TestManifoldCacheStoreAndLookup(t *testing.T) {
	c := newManifoldCache(64, 0)
	m := &ContactManifold{
		Body1: newBodyID(0, 0), Body2: newBodyID(1, 0),
		LocalNormal: lin.V3{Y: 1},
	}
	require.True(t, c.storeManifold(m))
	got := c.manifold(manifoldKey{b1: m.Body1, b2: m.Body2})
	assert.Same(t, m, got)
	assert.Equal(t, 1, c.count())
}

func TestManifoldCacheCapacityDrops(t *testing.T) {
	c := newManifoldCache(64, 2)
	for i := uint32(0); i < 4; i++ {
		c.storeManifold(&ContactManifold{Body1: newBodyID(i, 0), Body2: newBodyID(i+10, 0)})
	}
	assert.Equal(t, 2, c.count())
	assert.Equal(t, int64(2), c.dropped)
}

func TestManifoldCacheCanonicalOrder(t *testing.T) {
	c := newManifoldCache(64, 0)
	for _, i := range []uint32{5, 1, 3} {
		c.storeManifold(&ContactManifold{Body1: newBodyID(i, 0), Body2: newBodyID(i+1, 0)})
	}
	var order []BodyID
	c.forEachManifold(func(m *ContactManifold) { order = append(order, m.Body1) })
	require.Len(t, order, 3)
	assert.Equal(t, newBodyID(1, 0), order[0])
	assert.Equal(t, newBodyID(3, 0), order[1])
	assert.Equal(t, newBodyID(5, 0), order[2])
}

func TestContactCacheSwapAndRemovedCallbacks(t *testing.T) {
	cc := newContactCache(testSettings(), NewLogger(nil))
	listener := &recordingContactListener{}

	// Step 1: a manifold enters the write cache, then the caches swap.
	m := &ContactManifold{Body1: newBodyID(0, 0), Body2: newBodyID(1, 0)}
	cc.writeCache().storeManifold(m)
	cc.finalize()

	// Step 2: the manifold is not re-found (persisted stays false), so
	// after the next swap the removed callback must fire for it.
	cc.prepare()
	cc.finalize()
	cc.contactPointRemovedCallbacks(listener)
	require.Len(t, listener.removed, 1)
	assert.Equal(t, newBodyID(0, 0), listener.removed[0][0])
}

func TestInheritLambdasWithinTolerance(t *testing.T) {
	cc := newContactCache(testSettings(), NewLogger(nil))
	old := &ContactManifold{Points: []ContactPoint{
		{LocalPoint1: lin.V3{X: 0.001}, NormalLambda: 2.5, FrictionLambda1: 0.5, FrictionLambda2: -0.25},
		{LocalPoint1: lin.V3{X: 5}, NormalLambda: 9},
	}}

	p := &ContactPoint{LocalPoint1: lin.V3{}}
	cc.inheritLambdas(p, old)
	assert.Equal(t, 2.5, p.NormalLambda, "nearest cached point's lambdas inherited")
	assert.Equal(t, 0.5, p.FrictionLambda1)
	assert.Equal(t, -0.25, p.FrictionLambda2)

	far := &ContactPoint{LocalPoint1: lin.V3{X: 2.5}}
	cc.inheritLambdas(far, old)
	assert.Zero(t, far.NormalLambda, "no cached point within tolerance")
}

func TestPairMovedNegligiblyGate(t *testing.T) {
	cc := newContactCache(testSettings(), NewLogger(nil))
	b1 := NewBody(NewSphereShape(1), 1)
	b2 := NewBody(NewSphereShape(1), 1)
	b2.SetPositionAndRotation(lin.V3{X: 2}, lin.Q{W: 1})

	pos, rot := relativePose(b1, b2)
	entry := &bodyPairEntry{deltaPos: pos, deltaRot: rot}
	assert.True(t, cc.pairMovedNegligibly(entry, b1, b2), "unmoved pair passes the gate")

	b2.SetPositionAndRotation(lin.V3{X: 2.5}, lin.Q{W: 1})
	assert.False(t, cc.pairMovedNegligibly(entry, b1, b2), "moved pair fails the gate")
}

type recordingContactListener struct {
	added     int
	persisted int
	removed   [][2]BodyID
}

func (l *recordingContactListener) ValidateContact(BodyID, BodyID) ContactValidateResult {
	return ValidateAcceptContact
}
func (l *recordingContactListener) OnContactAdded(BodyID, BodyID, *ContactManifold) { l.added++ }
func (l *recordingContactListener) OnContactPersisted(BodyID, BodyID, *ContactManifold) {
	l.persisted++
}
func (l *recordingContactListener) OnContactRemoved(b1, b2 BodyID, _, _ SubShapeID) {
	l.removed = append(l.removed, [2]BodyID{b1, b2})
}
