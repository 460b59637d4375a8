package physics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIslandsPartitionActiveBodies(t *testing.T) {
	var ib IslandBuilder
	ib.Prepare(6)
	// Two chains: 0-1-2 via contacts, 3-4 via a constraint; 5 is alone.
	ib.LinkContact(0, 0, 1)
	ib.LinkContact(1, 1, 2)
	ib.LinkConstraint(0, 3, 4)

	islands := ib.Finalize()
	require.Len(t, islands, 3)

	// Disjoint cover of all 6 bodies.
	seen := map[int32]bool{}
	total := 0
	for _, isl := range islands {
		for _, b := range isl.Bodies {
			assert.False(t, seen[b], "body %d appears in two islands", b)
			seen[b] = true
			total++
		}
	}
	assert.Equal(t, 6, total)

	// Largest island first.
	assert.Len(t, islands[0].Bodies, 3)
	assert.Len(t, islands[0].Contacts, 2)
	assert.Len(t, islands[1].Bodies, 2)
	assert.Len(t, islands[1].Constraints, 1)
	assert.Len(t, islands[2].Bodies, 1)
	assert.Empty(t, islands[2].Contacts)
	assert.Empty(t, islands[2].Constraints)
}

func TestIslandStaticSideDoesNotMerge(t *testing.T) {
	var ib IslandBuilder
	ib.Prepare(2)
	// Both bodies contact the same static body (active index -1); they
	// must remain separate islands.
	ib.LinkContact(0, 0, -1)
	ib.LinkContact(1, 1, -1)

	islands := ib.Finalize()
	require.Len(t, islands, 2)
	assert.Len(t, islands[0].Bodies, 1)
	assert.Len(t, islands[0].Contacts, 1)
	assert.Len(t, islands[1].Bodies, 1)
	assert.Len(t, islands[1].Contacts, 1)
}

func TestIslandPathCompression(t *testing.T) {
	var ib IslandBuilder
	ib.Prepare(64)
	for i := int32(0); i < 63; i++ {
		ib.LinkBodies(i, i+1)
	}
	islands := ib.Finalize()
	require.Len(t, islands, 1)
	assert.Len(t, islands[0].Bodies, 64)
	// Bodies are sorted for determinism.
	for i := 1; i < len(islands[0].Bodies); i++ {
		assert.Less(t, islands[0].Bodies[i-1], islands[0].Bodies[i])
	}
}

func TestIslandBuilderReuse(t *testing.T) {
	var ib IslandBuilder
	ib.Prepare(4)
	ib.LinkContact(0, 0, 1)
	_ = ib.Finalize()

	// Prepare must fully reset state for the next step.
	ib.Prepare(2)
	islands := ib.Finalize()
	require.Len(t, islands, 2)
	for _, isl := range islands {
		assert.Empty(t, isl.Contacts)
	}
}
