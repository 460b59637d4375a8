package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corephys/sim/math/lin"
)

func boxAround(x, y, z, half float64) AABB {
	return AABB{
		Min: lin.V3{X: x - half, Y: y - half, Z: z - half},
		Max: lin.V3{X: x + half, Y: y + half, Z: z + half},
	}
}

func insertBodies(t *testing.T, q *Quadtree, boxes map[BodyID]AABB) {
	t.Helper()
	var ids []BodyID
	var aabbs []AABB
	var layers []ObjectLayer
	for id, ab := range boxes {
		ids = append(ids, id)
		aabbs = append(aabbs, ab)
		layers = append(layers, 0)
	}
	q.AddBodiesFinalize(q.AddBodiesPrepare(ids, aabbs, layers))
}

func collectOverlaps(q *Quadtree, box AABB) map[BodyID]bool {
	found := map[BodyID]bool{}
	q.CollideAABox(box, func(id BodyID, _ ObjectLayer) { found[id] = true })
	return found
}

func TestQuadtreeInsertAndQuery(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	insertBodies(t, q, map[BodyID]AABB{
		newBodyID(0, 0): boxAround(0, 0, 0, 1),
		newBodyID(1, 0): boxAround(10, 0, 0, 1),
		newBodyID(2, 0): boxAround(0, 10, 0, 1),
	})

	found := collectOverlaps(q, boxAround(0, 0, 0, 2))
	assert.True(t, found[newBodyID(0, 0)])
	assert.False(t, found[newBodyID(1, 0)])
	assert.False(t, found[newBodyID(2, 0)])
}

func TestQuadtreeGrowsPastFourBodies(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	boxes := map[BodyID]AABB{}
	for i := uint32(0); i < 20; i++ {
		boxes[newBodyID(i, 0)] = boxAround(float64(i)*3, 0, 0, 1)
	}
	insertBodies(t, q, boxes)

	for i := uint32(0); i < 20; i++ {
		found := collectOverlaps(q, boxAround(float64(i)*3, 0, 0, 0.5))
		assert.True(t, found[newBodyID(i, 0)], "body %d not found after tree growth", i)
	}
}

func TestQuadtreeRemove(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	id := newBodyID(0, 0)
	insertBodies(t, q, map[BodyID]AABB{id: boxAround(0, 0, 0, 1)})

	q.RemoveBody(id)
	found := collectOverlaps(q, boxAround(0, 0, 0, 5))
	assert.False(t, found[id], "removed body still reported")
}

func TestQuadtreeWidenAABB(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	id := newBodyID(0, 0)
	insertBodies(t, q, map[BodyID]AABB{id: boxAround(0, 0, 0, 1)})

	// Move far outside the loose box; the walk must widen to cover it.
	q.WidenAABB(id, boxAround(50, 0, 0, 1))
	found := collectOverlaps(q, boxAround(50, 0, 0, 2))
	assert.True(t, found[id], "widened body not found at its new location")
}

func TestQuadtreeRebuildKeepsBodies(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	boxes := map[BodyID]AABB{}
	for i := uint32(0); i < 12; i++ {
		boxes[newBodyID(i, 0)] = boxAround(float64(i), float64(i%3), 0, 0.4)
	}
	insertBodies(t, q, boxes)

	q.Rebuild()
	q.DiscardOldTree()

	for i := uint32(0); i < 12; i++ {
		found := collectOverlaps(q, boxAround(float64(i), float64(i%3), 0, 0.5))
		assert.True(t, found[newBodyID(i, 0)], "body %d lost by rebuild", i)
	}
}

func TestPartitionSplitsIntoFourOrderedGroups(t *testing.T) {
	var bounds []nodeBound
	for i := 0; i < 16; i++ {
		bounds = append(bounds, nodeBound{
			isLeaf: true,
			leaf:   newBodyID(uint32(i), 0),
			bound:  boxAround(float64(i), 0, 0, 0.4),
		})
	}
	groups := Partition(bounds)

	total := 0
	for _, g := range groups {
		total += len(g)
	}
	require.Equal(t, 16, total, "partition must not drop or duplicate entries")

	// Spread is along x: each group's centers must not overlap the next
	// group's range.
	maxOf := func(g []nodeBound) float64 {
		m := g[0].center().X
		for _, b := range g[1:] {
			if b.center().X > m {
				m = b.center().X
			}
		}
		return m
	}
	minOf := func(g []nodeBound) float64 {
		m := g[0].center().X
		for _, b := range g[1:] {
			if b.center().X < m {
				m = b.center().X
			}
		}
		return m
	}
	for i := 0; i < 3; i++ {
		require.NotEmpty(t, groups[i])
		require.NotEmpty(t, groups[i+1])
		assert.LessOrEqual(t, maxOf(groups[i]), minOf(groups[i+1]))
	}
}

func TestQuadtreeCastRay(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	id := newBodyID(3, 0)
	insertBodies(t, q, map[BodyID]AABB{id: boxAround(5, 0, 0, 1)})

	var hit bool
	q.CastRay(lin.V3{X: -1}, lin.V3{X: 10}, func(got BodyID, _ ObjectLayer) {
		if got == id {
			hit = true
		}
	})
	assert.True(t, hit)
}

func TestQuadtreeCollideOrientedBox(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	id := newBodyID(0, 0)
	insertBodies(t, q, map[BodyID]AABB{id: boxAround(3, 0, 0, 0.5)})

	// A thin box rotated 90 degrees about z covers the body only once
	// its long axis points along x.
	rot := lin.Q{}
	rot.SetAa(0, 0, 1, math.Pi/2)
	var hit bool
	q.CollideOrientedBox(lin.V3{}, lin.V3{X: 0.2, Y: 4, Z: 0.2}, rot, func(got BodyID, _ ObjectLayer) {
		if got == id {
			hit = true
		}
	})
	assert.True(t, hit)

	hit = false
	q.CollideOrientedBox(lin.V3{}, lin.V3{X: 0.2, Y: 4, Z: 0.2}, lin.Q{W: 1}, func(got BodyID, _ ObjectLayer) {
		if got == id {
			hit = true
		}
	})
	assert.False(t, hit, "unrotated thin box must not reach the body")
}

func TestFindCollidingPairsReportsEachPairOnce(t *testing.T) {
	q := NewQuadtree(0.1, NewLogger(nil))
	a, b := newBodyID(0, 0), newBodyID(1, 0)
	insertBodies(t, q, map[BodyID]AABB{
		a: boxAround(0, 0, 0, 1),
		b: boxAround(0.5, 0, 0, 1),
	})
	aabbs := map[BodyID]AABB{a: boxAround(0, 0, 0, 1), b: boxAround(0.5, 0, 0, 1)}

	var pairs [][2]BodyID
	q.FindCollidingPairs([]BodyID{a, b},
		func(id BodyID) AABB { return aabbs[id] },
		func(BodyID) bool { return true },
		func(x, y BodyID) { pairs = append(pairs, [2]BodyID{x, y}) })
	require.Len(t, pairs, 1, "active-active pair must be reported exactly once")
}
