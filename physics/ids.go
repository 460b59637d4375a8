// Package physics is the simulation core: broadphase, narrowphase,
// contact caching, island building, constraint solving, continuous
// collision detection and the job-graph update pipeline that orders
// them across worker threads.
//
// The package has no process-wide state: a PhysicsSystem owns
// everything it needs, and two systems in one process never interact.
package physics

import "fmt"

// BodyID identifies a body across its lifetime. The low bits are a
// dense index into the body store; the high bits are a generation
// counter that is bumped every time the slot is reused, so a stale
// BodyID compares not-equal to whatever now occupies its index.
type BodyID uint64

// InvalidBodyID never refers to a real body.
const InvalidBodyID BodyID = 0xffffffffffffffff

const (
	bodyIndexBits = 32
	bodyIndexMask = (uint64(1) << bodyIndexBits) - 1
)

func newBodyID(index, generation uint32) BodyID {
	return BodyID(uint64(generation)<<bodyIndexBits | uint64(index))
}

// Index returns the dense body-store slot this id refers to.
func (id BodyID) Index() uint32 { return uint32(uint64(id) & bodyIndexMask) }

// Generation returns the reuse generation tag.
func (id BodyID) Generation() uint32 { return uint32(uint64(id) >> bodyIndexBits) }

// IsInvalid reports whether id is the sentinel InvalidBodyID.
func (id BodyID) IsInvalid() bool { return id == InvalidBodyID }

func (id BodyID) String() string {
	if id.IsInvalid() {
		return "BodyID(invalid)"
	}
	return fmt.Sprintf("BodyID(%d/gen%d)", id.Index(), id.Generation())
}

// SubShapeID is a bit-packed path from a compound shape's root to a
// leaf (triangle or convex child), used to re-identify the same
// contact feature across frames. A bit-width of zero
// means "this is the root shape, no children to distinguish" — the
// common case for a non-compound body.
type SubShapeID struct {
	bits  uint32
	width uint8
}

// RootSubShapeID identifies the root shape itself (non-compound or
// "the whole compound", depending on context).
var RootSubShapeID = SubShapeID{}

// PushID appends a child index (0..2^width-1) to the path and returns
// the extended id. The packed path survives across frames, which is
// what lets it serve as a contact-cache key component.
func (s SubShapeID) PushID(childIndex uint32, width uint8) SubShapeID {
	return SubShapeID{bits: s.bits | (childIndex << s.width), width: s.width + width}
}

func (s SubShapeID) String() string { return fmt.Sprintf("sub(%d/%d)", s.bits, s.width) }
