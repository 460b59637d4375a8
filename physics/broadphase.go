package physics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/corephys/sim/math/lin"
)

// Note on the lock-free design: an engine with SIMD lanes would pack
// each node's 4 children into structure-of-arrays floats and order the
// individual min/max field writes so a half-written box never
// validates. Go has no portable SIMD and no literal field-order
// guarantee across a struct, so each child's AABB is instead published
// as a single immutable *AABB behind an atomic.Pointer: every writer
// builds the new box off to the side and swaps it in with one atomic
// store, so a reader never observes a torn box. The 4-wide branching
// and parent/child array-of-structs shape remain.

// quadChildKind tags what a child slot currently holds.
type quadChildKind uint8

const (
	childEmpty quadChildKind = iota
	childLeaf
	childNode
)

type quadChildRef struct {
	kind quadChildKind
	leaf BodyID
	node int32
}

var emptyChildRef = &quadChildRef{kind: childEmpty}

// quadNode is one interior (or leaf-holding) node of the loose 4-ary
// BVH. Every node can hold up to 4 children, each either another
// node or a body leaf.
type quadNode struct {
	aabb   [4]atomic.Pointer[AABB]
	ref    [4]atomic.Pointer[quadChildRef]
	parent int32
	locked atomic.Bool // true while a just-attached subtree is still being wired up.
}

func newQuadNode(parent int32) *quadNode {
	n := &quadNode{parent: parent}
	for i := range n.ref {
		n.ref[i].Store(emptyChildRef)
		n.aabb[i].Store(&AABB{})
	}
	return n
}

// perBodyTrack records where a body currently lives in the tree so
// removal/update don't need a search.
type perBodyTrack struct {
	node       int32
	childIndex int8
	layer      ObjectLayer
	valid      bool
}

// Quadtree is a loose 4-ary bounding-volume hierarchy over body
// AABBs. Exactly one BroadPhaseLayer's worth of bodies lives in one
// Quadtree; PhysicsSystem owns one per layer.
type Quadtree struct {
	mu sync.Mutex // guards node-array publication, body tracking and rebuild bookkeeping, not per-child reads.

	// nodes is published as a whole: writers copy-append (or rebuild)
	// under mu and swap the pointer; a query loads it once and walks a
	// stable array, so a concurrent rebuild can never tear a traversal.
	nodes atomic.Pointer[[]*quadNode]
	root  [2]atomic.Int32 // double-buffered root index into nodes.
	live  atomic.Int32    // 0 or 1: which of root[] is the current tree.

	track map[BodyID]*perBodyTrack

	margin float64 // AABB inflation applied on insert/update (loose tree "looseness").

	log *Logger
}

// NewQuadtree creates an empty tree. margin widens every inserted AABB
// so small motions don't require an immediate tree update (the
// "loose" in loose BVH).
func NewQuadtree(margin float64, log *Logger) *Quadtree {
	q := &Quadtree{track: make(map[BodyID]*perBodyTrack), margin: margin, log: log}
	initial := []*quadNode{newQuadNode(-1)}
	q.nodes.Store(&initial)
	q.root[0].Store(0)
	q.root[1].Store(0)
	return q
}

func (q *Quadtree) currentRoot() int32 { return q.root[q.live.Load()].Load() }

func (q *Quadtree) nodeSlice() []*quadNode { return *q.nodes.Load() }

// preparedSubtree is the batch snapshot AddBodiesPrepare hands to
// AddBodiesFinalize. Its AABBs are not yet widened; AddBodiesFinalize
// widens each by margin as it attaches it to the live tree.
type preparedSubtree struct {
	bodies []BodyID
	aabbs  []AABB
	layers []ObjectLayer
}

// AddBodiesPrepare snapshots the insert batch; the real tree-building
// work happens in AddBodiesFinalize once a matching lock on the root
// can be taken, since a batch of "insert a handful of new bodies" is
// cheap enough not to warrant building an intermediate subtree of its
// own; the expensive offline-build path is UpdatePrepare's job, for a
// full-tree rebuild. Kept as two calls so batched inserts read the
// same as the background rebuild's prepare/finalize pair.
func (q *Quadtree) AddBodiesPrepare(ids []BodyID, aabbs []AABB, layers []ObjectLayer) *preparedSubtree {
	return &preparedSubtree{bodies: ids, aabbs: aabbs, layers: layers}
}

// AddBodiesFinalize attaches the prepared batch to the live tree,
// growing the tree's root when every existing root slot is occupied.
func (q *Quadtree) AddBodiesFinalize(p *preparedSubtree) {
	for i, id := range p.bodies {
		q.insertOne(id, p.aabbs[i].Expand(q.margin), p.layers[i])
	}
}

func (q *Quadtree) insertOne(id BodyID, ab AABB, layer ObjectLayer) {
	rootIdx := q.currentRoot()
	nodes := q.nodeSlice()
	node := nodes[rootIdx]
	if slot, ok := q.tryOccupyEmptySlot(node, id, ab); ok {
		q.mu.Lock()
		q.track[id] = &perBodyTrack{node: rootIdx, childIndex: int8(slot), layer: layer, valid: true}
		q.mu.Unlock()
		return
	}
	// No empty slot: grow the tree. Build a new root whose children are
	// the old root (as a node) and the new leaf, then publish the grown
	// node array and swap the double-buffered root index.
	q.mu.Lock()
	nodes = q.nodeSlice()
	rootIdx = q.currentRoot()
	newRoot := newQuadNode(-1)
	newRoot.locked.Store(true)
	newRoot.ref[0].Store(&quadChildRef{kind: childNode, node: rootIdx})
	newRoot.aabb[0].Store(q.subtreeBounds(nodes, rootIdx))
	newRoot.ref[1].Store(&quadChildRef{kind: childLeaf, leaf: id})
	abCopy := ab
	newRoot.aabb[1].Store(&abCopy)
	newIdx := int32(len(nodes))
	grown := make([]*quadNode, len(nodes)+1)
	copy(grown, nodes)
	grown[newIdx] = newRoot
	grown[rootIdx].parent = newIdx
	q.nodes.Store(&grown)
	other := 1 - q.live.Load()
	q.root[other].Store(newIdx)
	q.live.Store(other)
	newRoot.locked.Store(false)
	q.track[id] = &perBodyTrack{node: newIdx, childIndex: 1, layer: layer, valid: true}
	q.mu.Unlock()
}

func (q *Quadtree) tryOccupyEmptySlot(node *quadNode, id BodyID, ab AABB) (int, bool) {
	for i := 0; i < 4; i++ {
		if node.ref[i].CompareAndSwap(emptyChildRef, &quadChildRef{kind: childLeaf, leaf: id}) {
			abCopy := ab
			node.aabb[i].Store(&abCopy)
			return i, true
		}
	}
	return 0, false
}

func (q *Quadtree) subtreeBounds(nodes []*quadNode, nodeIdx int32) *AABB {
	node := nodes[nodeIdx]
	result := Invalid()
	first := true
	for i := 0; i < 4; i++ {
		box := node.aabb[i].Load()
		if box == nil || box.Min.X > box.Max.X {
			continue
		}
		if first {
			result = *box
			first = false
		} else {
			result = result.Union(*box)
		}
	}
	return &result
}

// RemoveBody invalidates id's child AABB and clears its slot. With
// atomic.Pointer swaps the intermediate state a reader can observe is
// either the old valid box or the new invalid one (min > max), never a
// torn mix, so queries reject the child without locking.
func (q *Quadtree) RemoveBody(id BodyID) {
	q.mu.Lock()
	t, ok := q.track[id]
	if !ok || !t.valid {
		q.mu.Unlock()
		return
	}
	delete(q.track, id)
	q.mu.Unlock()

	nodes := q.nodeSlice()
	if int(t.node) >= len(nodes) {
		return
	}
	node := nodes[t.node]
	if r := node.ref[t.childIndex].Load(); r.kind != childLeaf || r.leaf != id {
		return
	}
	inv := Invalid()
	node.aabb[t.childIndex].Store(&inv)
	node.ref[t.childIndex].Store(emptyChildRef)
}

// WidenAABB updates id's AABB and, if it no longer fits inside the
// current loose box, walks toward the root widening parent boxes with
// a lock-free compare-and-swap loop, stopping as soon as no further
// widening is needed. The tree is never shrunk on
// this path; shrinking only happens in UpdatePrepare/Finalize.
func (q *Quadtree) WidenAABB(id BodyID, tight AABB) {
	q.mu.Lock()
	t, ok := q.track[id]
	q.mu.Unlock()
	if !ok || !t.valid {
		return
	}
	loose := tight.Expand(q.margin)

	nodes := q.nodeSlice()
	if int(t.node) >= len(nodes) {
		return
	}
	node := nodes[t.node]
	if r := node.ref[t.childIndex].Load(); r.kind != childLeaf || r.leaf != id {
		return // a concurrent rebuild moved the leaf; next commit re-tracks it.
	}
	cur := node.aabb[t.childIndex].Load()
	if cur != nil && containsBox(*cur, loose) {
		return // still fits inside the existing loose box; nothing to widen.
	}
	looseCopy := loose
	node.aabb[t.childIndex].Store(&looseCopy)

	// Walk to the root, widening each parent's slot for this subtree.
	childNodeIdx := t.node
	for {
		parentIdx := node.parent
		if parentIdx < 0 || int(parentIdx) >= len(nodes) {
			return
		}
		parent := nodes[parentIdx]
		slot := q.findChildSlot(parent, childNodeIdx)
		if slot < 0 {
			return
		}
		for {
			old := parent.aabb[slot].Load()
			if old != nil && containsBox(*old, loose) {
				return // no further widening needed.
			}
			var grown AABB
			if old == nil {
				grown = loose
			} else {
				grown = old.Union(loose)
			}
			if parent.aabb[slot].CompareAndSwap(old, &grown) {
				loose = grown
				break
			}
		}
		childNodeIdx = parentIdx
		node = parent
	}
}

func containsBox(outer, inner AABB) bool {
	return outer.Min.X <= inner.Min.X && outer.Min.Y <= inner.Min.Y && outer.Min.Z <= inner.Min.Z &&
		outer.Max.X >= inner.Max.X && outer.Max.Y >= inner.Max.Y && outer.Max.Z >= inner.Max.Z
}

func (q *Quadtree) findChildSlot(parent *quadNode, nodeIdx int32) int {
	for i := 0; i < 4; i++ {
		if r := parent.ref[i].Load(); r.kind == childNode && r.node == nodeIdx {
			return i
		}
	}
	return -1
}

// ---- queries ----

// Visitor decides, for a candidate child AABB, whether the walker
// should descend into/report it. Returning false prunes that child.
type Visitor func(ab *AABB) bool

// Walk performs the shared iterative traversal used by every query.
// test is called once per non-empty child slot; a leaf that passes is
// handed to onLeaf, a node that passes is descended into.
func (q *Quadtree) Walk(test Visitor, onLeaf func(id BodyID, layer ObjectLayer)) {
	nodes := q.nodeSlice()
	root := q.currentRoot()
	stack := make([]int32, 0, 64)
	stack = append(stack, root)
	for len(stack) > 0 {
		nodeIdx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if int(nodeIdx) >= len(nodes) {
			continue
		}
		node := nodes[nodeIdx]
		for i := 0; i < 4; i++ {
			box := node.aabb[i].Load()
			if box == nil || box.Min.X > box.Max.X {
				continue // invalid/removed slot.
			}
			if !test(box) {
				continue
			}
			ref := node.ref[i].Load()
			switch ref.kind {
			case childLeaf:
				q.mu.Lock()
				layer := ObjectLayer(0)
				if t, ok := q.track[ref.leaf]; ok {
					layer = t.layer
				}
				q.mu.Unlock()
				onLeaf(ref.leaf, layer)
			case childNode:
				stack = append(stack, ref.node)
			}
		}
	}
}

// CollideAABox reports every body whose loose AABB overlaps box.
func (q *Quadtree) CollideAABox(box AABB, onLeaf func(id BodyID, layer ObjectLayer)) {
	q.Walk(func(ab *AABB) bool { return ab.Overlaps(&box) }, onLeaf)
}

// CollideSphere reports every body whose loose AABB overlaps a sphere
// (approximated, like the rest of the broadphase, by its AABB: // deliberately over-reports at this stage, narrowphase is exact).
func (q *Quadtree) CollideSphere(center lin.V3, radius float64, onLeaf func(id BodyID, layer ObjectLayer)) {
	box := AABB{Min: lin.V3{X: center.X - radius, Y: center.Y - radius, Z: center.Z - radius},
		Max: lin.V3{X: center.X + radius, Y: center.Y + radius, Z: center.Z + radius}}
	q.CollideAABox(box, onLeaf)
}

// CollidePoint reports every body whose loose AABB contains p.
func (q *Quadtree) CollidePoint(p lin.V3, onLeaf func(id BodyID, layer ObjectLayer)) {
	q.Walk(func(ab *AABB) bool {
		return p.X >= ab.Min.X && p.X <= ab.Max.X && p.Y >= ab.Min.Y && p.Y <= ab.Max.Y && p.Z >= ab.Min.Z && p.Z <= ab.Max.Z
	}, onLeaf)
}

// CollideOrientedBox reports every body whose loose AABB might overlap
// an oriented box, tested conservatively through the box's enclosing
// AABB; exact rejection is the narrowphase's job.
func (q *Quadtree) CollideOrientedBox(center, halfExtent lin.V3, rot lin.Q, onLeaf func(id BodyID, layer ObjectLayer)) {
	var m lin.M3
	m.SetQ(&rot)
	ex := math.Abs(m.Xx)*halfExtent.X + math.Abs(m.Xy)*halfExtent.Y + math.Abs(m.Xz)*halfExtent.Z
	ey := math.Abs(m.Yx)*halfExtent.X + math.Abs(m.Yy)*halfExtent.Y + math.Abs(m.Yz)*halfExtent.Z
	ez := math.Abs(m.Zx)*halfExtent.X + math.Abs(m.Zy)*halfExtent.Y + math.Abs(m.Zz)*halfExtent.Z
	box := AABB{
		Min: lin.V3{X: center.X - ex, Y: center.Y - ey, Z: center.Z - ez},
		Max: lin.V3{X: center.X + ex, Y: center.Y + ey, Z: center.Z + ez},
	}
	q.CollideAABox(box, onLeaf)
}

// CastAABox sweeps box by delta and reports every loose AABB the swept
// volume might touch (a conservative box union, exact narrowphase
// shape-cast narrows it further).
func (q *Quadtree) CastAABox(box AABB, delta lin.V3, onLeaf func(id BodyID, layer ObjectLayer)) {
	moved := AABB{Min: lin.V3{X: box.Min.X + delta.X, Y: box.Min.Y + delta.Y, Z: box.Min.Z + delta.Z},
		Max: lin.V3{X: box.Max.X + delta.X, Y: box.Max.Y + delta.Y, Z: box.Max.Z + delta.Z}}
	swept := box.Union(moved)
	q.CollideAABox(swept, onLeaf)
}

// CastRay reports every body whose loose AABB the ray (origin, dir,
// parametrized over [0,1]) might hit; exact hit fraction comes from
// the per-shape narrowphase CastRay.
func (q *Quadtree) CastRay(origin, dir lin.V3, onLeaf func(id BodyID, layer ObjectLayer)) {
	end := lin.V3{X: origin.X + dir.X, Y: origin.Y + dir.Y, Z: origin.Z + dir.Z}
	rayBox := AABB{
		Min: lin.V3{X: math.Min(origin.X, end.X), Y: math.Min(origin.Y, end.Y), Z: math.Min(origin.Z, end.Z)},
		Max: lin.V3{X: math.Max(origin.X, end.X), Y: math.Max(origin.Y, end.Y), Z: math.Max(origin.Z, end.Z)},
	}
	q.CollideAABox(rayBox, onLeaf)
}

// FindCollidingPairs is the engine-internal query the Update Pipeline's
// find-collisions job drives. For each active body it
// reports every other body (active or not) whose loose AABB overlaps,
// with each unordered pair reported exactly once: an active-vs-active
// pair is reported when scanning the lower BodyID, an active-vs-static
// (or kinematic) pair is always reported since the static side is
// never itself a scan root.
func (q *Quadtree) FindCollidingPairs(active []BodyID, aabbOf func(BodyID) AABB, isActive func(BodyID) bool, report func(a, b BodyID)) {
	for _, self := range active {
		box := aabbOf(self)
		q.CollideAABox(box, func(other BodyID, _ ObjectLayer) {
			if other == self {
				return
			}
			if isActive(other) && other < self {
				return // the lower-id side already reported this pair.
			}
			report(self, other)
		})
	}
}

// ---- background rebuild ----

// nodeBound is one entry collected for a background rebuild: either a
// leaf body or (recursively, during the rebuild itself) a subtree. It
// is a pure-data type so Partition is unit-testable without a live
// tree.
type nodeBound struct {
	isLeaf bool
	leaf   BodyID
	layer  ObjectLayer
	node   int32 // only valid when rebuilding nested groups internally; unused at the top level.
	bound  AABB
}

func (n nodeBound) center() lin.V3 { return n.bound.center() }

// Partition splits bounds into 4 ordered groups via a two-level median
// split: pick the axis of maximum spread of the centers, sort and
// bisect, then repeat on each half with its own max-spread axis
// . Input order is not preserved.
func Partition(bounds []nodeBound) [4][]nodeBound {
	left, right := splitByMaxSpreadAxis(bounds)
	a, b := splitByMaxSpreadAxis(left)
	c, d := splitByMaxSpreadAxis(right)
	return [4][]nodeBound{a, b, c, d}
}

func splitByMaxSpreadAxis(bounds []nodeBound) (lo, hi []nodeBound) {
	if len(bounds) <= 1 {
		return bounds, nil
	}
	axis := maxSpreadAxis(bounds)
	sorted := make([]nodeBound, len(bounds))
	copy(sorted, bounds)
	sort.Slice(sorted, func(i, j int) bool {
		return axisValue(sorted[i].center(), axis) < axisValue(sorted[j].center(), axis)
	})
	mid := len(sorted) / 2
	return sorted[:mid], sorted[mid:]
}

func axisValue(v lin.V3, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func maxSpreadAxis(bounds []nodeBound) int {
	min := lin.V3{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	max := lin.V3{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, b := range bounds {
		c := b.center()
		min.X, min.Y, min.Z = math.Min(min.X, c.X), math.Min(min.Y, c.Y), math.Min(min.Z, c.Z)
		max.X, max.Y, max.Z = math.Max(max.X, c.X), math.Max(max.Y, c.Y), math.Max(max.Z, c.Z)
	}
	sx, sy, sz := max.X-min.X, max.Y-min.Y, max.Z-min.Z
	if sx >= sy && sx >= sz {
		return 0
	}
	if sy >= sz {
		return 1
	}
	return 2
}

// UpdatePrepare flattens the given bodies into a list ready for a
// background rebuild, widening each AABB by margin. It does not check
// node locks and does not touch the live tree.
func (q *Quadtree) UpdatePrepare(bodies map[BodyID]AABB, layers map[BodyID]ObjectLayer) []nodeBound {
	out := make([]nodeBound, 0, len(bodies))
	for id, ab := range bodies {
		out = append(out, nodeBound{isLeaf: true, leaf: id, layer: layers[id], bound: ab.Expand(q.margin)})
	}
	return out
}

// UpdateFinalize builds a fresh tree from the prepared bound list via
// recursive Partition and atomically swaps it in for the live tree by
// toggling the double-buffered root index. The previous tree's nodes
// simply become unreachable; Go's garbage collector plays the role a
// deferred free list would in a manual-memory engine, so DiscardOldTree
// is a documented no-op rather than a real operation.
func (q *Quadtree) UpdateFinalize(bounds []nodeBound) {
	if len(bounds) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	layerOf := make(map[BodyID]ObjectLayer, len(bounds))
	for _, b := range bounds {
		layerOf[b.leaf] = b.layer
	}
	newNodes := make([]*quadNode, 0, len(bounds))
	rootIdx := buildRecursive(bounds, -1, &newNodes)
	newTrack := make(map[BodyID]*perBodyTrack, len(bounds))
	recordTrack(newNodes, rootIdx, newTrack, layerOf)

	q.nodes.Store(&newNodes)
	q.track = newTrack
	other := 1 - q.live.Load()
	q.root[other].Store(rootIdx)
	q.live.Store(other)
}

// DiscardOldTree releases the previous tree after a root swap; see
// UpdateFinalize's doc comment for why it is a no-op in Go.
func (q *Quadtree) DiscardOldTree() {}

// rebuildBounds snapshots every tracked body's current loose AABB into
// the flat list UpdateFinalize rebuilds from. The bounds are already
// margin-expanded (they come straight off the live leaves), so the
// rebuild does not re-expand them.
func (q *Quadtree) rebuildBounds() []nodeBound {
	q.mu.Lock()
	defer q.mu.Unlock()
	nodes := q.nodeSlice()
	out := make([]nodeBound, 0, len(q.track))
	for id, t := range q.track {
		if !t.valid {
			continue
		}
		node := nodes[t.node]
		box := node.aabb[t.childIndex].Load()
		if box == nil || box.Min.X > box.Max.X {
			continue
		}
		out = append(out, nodeBound{isLeaf: true, leaf: id, layer: t.layer, bound: *box})
	}
	return out
}

// Rebuild snapshots the tree's own tracked set with rebuildBounds and
// hands it to UpdateFinalize, restoring tightness lost to lock-free
// widening.
func (q *Quadtree) Rebuild() {
	bounds := q.rebuildBounds()
	if len(bounds) == 0 {
		return
	}
	q.UpdateFinalize(bounds)
}

func buildRecursive(bounds []nodeBound, parent int32, nodes *[]*quadNode) int32 {
	idx := int32(len(*nodes))
	node := newQuadNode(parent)
	*nodes = append(*nodes, node)

	if len(bounds) <= 4 {
		for i, b := range bounds {
			bb := b.bound
			node.aabb[i].Store(&bb)
			node.ref[i].Store(&quadChildRef{kind: childLeaf, leaf: b.leaf})
		}
		return idx
	}

	groups := Partition(bounds)
	for i, g := range groups {
		if len(g) == 0 {
			continue
		}
		if len(g) == 1 {
			bb := g[0].bound
			node.aabb[i].Store(&bb)
			node.ref[i].Store(&quadChildRef{kind: childLeaf, leaf: g[0].leaf})
			continue
		}
		childIdx := buildRecursive(g, idx, nodes)
		bb := *unionOf(g)
		node.aabb[i].Store(&bb)
		node.ref[i].Store(&quadChildRef{kind: childNode, node: childIdx})
	}
	return idx
}

func unionOf(bounds []nodeBound) *AABB {
	result := bounds[0].bound
	for _, b := range bounds[1:] {
		result = result.Union(b.bound)
	}
	return &result
}

func recordTrack(nodes []*quadNode, rootIdx int32, track map[BodyID]*perBodyTrack, layerOf map[BodyID]ObjectLayer) {
	node := nodes[rootIdx]
	for i := 0; i < 4; i++ {
		ref := node.ref[i].Load()
		switch ref.kind {
		case childLeaf:
			track[ref.leaf] = &perBodyTrack{node: rootIdx, childIndex: int8(i), layer: layerOf[ref.leaf], valid: true}
		case childNode:
			recordTrack(nodes, ref.node, track, layerOf)
		}
	}
}
