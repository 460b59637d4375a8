package physics

import (
	"sort"
	"sync"

	"github.com/corephys/sim/math/lin"
)

// ContactPoint is one cached contact: local-space positions on both
// bodies plus the solver impulses applied last step, carried forward
// for warm starting.
type ContactPoint struct {
	LocalPoint1 lin.V3
	LocalPoint2 lin.V3

	NormalLambda    float64
	FrictionLambda1 float64
	FrictionLambda2 float64
}

// ContactManifold is the cached set of up to 4 contact points between
// one (body, sub-shape) pair. The normal is stored in body-2 local
// space so a rigid motion of both bodies leaves it valid.
type ContactManifold struct {
	Body1, Body2 BodyID
	Sub1, Sub2   SubShapeID

	LocalNormal lin.V3 // body-2 local space, pointing from body 1 toward body 2.
	Points      []ContactPoint

	PenetrationDepth float64

	persisted  bool // re-found this step (cleared when copied to the write cache, set on re-discovery).
	ccdContact bool
}

// WorldNormal returns the manifold's normal rotated into world space
// using body 2's current orientation.
func (m *ContactManifold) WorldNormal(rot2 *lin.Q) lin.V3 {
	var n lin.V3
	n.MultvQ(&m.LocalNormal, rot2)
	return n
}

type manifoldKey struct {
	b1, b2     BodyID
	sub1, sub2 SubShapeID
}

type bodyPairKey struct {
	b1, b2 BodyID // b1 < b2.
}

func makeBodyPairKey(a, b BodyID) bodyPairKey {
	if a < b {
		return bodyPairKey{b1: a, b2: b}
	}
	return bodyPairKey{b1: b, b2: a}
}

// bodyPairEntry records the relative pose at the moment of caching plus
// the manifolds found for the pair, so the next step can skip
// narrowphase entirely when the bodies barely moved.
type bodyPairEntry struct {
	deltaPos lin.V3 // body2 position in body1 local space at caching time.
	deltaRot lin.Q  // relative orientation at caching time.

	manifolds []*ContactManifold
}

const cacheShards = 64

// manifoldCache is one generation of the contact cache: a sharded hash
// over (body pair) and (manifold key). Shard-level mutexes stand in for
// the original's per-bucket spin locks — writes
// during narrowphase come from many goroutines, reads after Finalize
// are uncontended.
type manifoldCache struct {
	shards [cacheShards]struct {
		mu        sync.Mutex
		pairs     map[bodyPairKey]*bodyPairEntry
		manifolds map[manifoldKey]*ContactManifold
	}

	maxManifolds int // 0 = unlimited; over-limit inserts are dropped and counted.
	dropped      int64
	droppedMu    sync.Mutex
}

func newManifoldCache(bucketHint, maxManifolds int) *manifoldCache {
	c := &manifoldCache{maxManifolds: maxManifolds}
	per := bucketHint / cacheShards
	if per < 1 {
		per = 1
	}
	for i := range c.shards {
		c.shards[i].pairs = make(map[bodyPairKey]*bodyPairEntry, per)
		c.shards[i].manifolds = make(map[manifoldKey]*ContactManifold, per)
	}
	return c
}

func pairShard(k bodyPairKey) uint32 {
	h := uint32(k.b1) * 0x9e3779b1
	h ^= uint32(k.b2) * 0x85ebca77
	return (h ^ h>>13) % cacheShards
}

func (c *manifoldCache) pair(k bodyPairKey) *bodyPairEntry {
	s := &c.shards[pairShard(k)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairs[k]
}

func (c *manifoldCache) storePair(k bodyPairKey, e *bodyPairEntry) {
	s := &c.shards[pairShard(k)]
	s.mu.Lock()
	s.pairs[k] = e
	s.mu.Unlock()
}

func (c *manifoldCache) storeManifold(m *ContactManifold) bool {
	if c.maxManifolds > 0 && c.count() >= c.maxManifolds {
		c.droppedMu.Lock()
		c.dropped++
		c.droppedMu.Unlock()
		return false
	}
	k := manifoldKey{b1: m.Body1, b2: m.Body2, sub1: m.Sub1, sub2: m.Sub2}
	s := &c.shards[pairShard(bodyPairKey{b1: m.Body1, b2: m.Body2})]
	s.mu.Lock()
	s.manifolds[k] = m
	s.mu.Unlock()
	return true
}

func (c *manifoldCache) manifold(k manifoldKey) *ContactManifold {
	s := &c.shards[pairShard(bodyPairKey{b1: k.b1, b2: k.b2})]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifolds[k]
}

func (c *manifoldCache) count() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.manifolds)
		s.mu.Unlock()
	}
	return n
}

// forEachManifold walks every cached manifold in a canonical order
// (sorted by key), which SaveState and the removed-callback pass rely
// on for determinism.
func (c *manifoldCache) forEachManifold(fn func(*ContactManifold)) {
	var all []*ContactManifold
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for _, m := range s.manifolds {
			all = append(all, m)
		}
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return manifoldLess(all[i], all[j]) })
	for _, m := range all {
		fn(m)
	}
}

func manifoldLess(a, b *ContactManifold) bool {
	if a.Body1 != b.Body1 {
		return a.Body1 < b.Body1
	}
	if a.Body2 != b.Body2 {
		return a.Body2 < b.Body2
	}
	if a.Sub1.bits != b.Sub1.bits {
		return a.Sub1.bits < b.Sub1.bits
	}
	return a.Sub2.bits < b.Sub2.bits
}

// contactCache holds the double-buffered read/write manifold caches.
type contactCache struct {
	caches [2]*manifoldCache
	read   int // index of last step's completed cache; 1-read is the write cache.

	settings *Settings
	log      *Logger
}

func newContactCache(settings *Settings, log *Logger) *contactCache {
	cc := &contactCache{settings: settings, log: log}
	cc.caches[0] = newManifoldCache(settings.MinManifoldCacheBuckets, settings.MaxContactConstraints)
	cc.caches[1] = newManifoldCache(settings.MinManifoldCacheBuckets, settings.MaxContactConstraints)
	return cc
}

func (cc *contactCache) readCache() *manifoldCache  { return cc.caches[cc.read] }
func (cc *contactCache) writeCache() *manifoldCache { return cc.caches[1-cc.read] }

// prepare sizes the new write cache from last step's manifold count,
// rounded up to a power of two with the configured floor.
func (cc *contactCache) prepare() {
	hint := cc.readCache().count() * 2
	min := cc.settings.MinManifoldCacheBuckets
	if hint < min {
		hint = min
	}
	n := 1
	for n < hint {
		n <<= 1
	}
	cc.caches[1-cc.read] = newManifoldCache(n, cc.settings.MaxContactConstraints)
}

// finalize swaps read/write; the old read cache is replaced on the next
// prepare.
func (cc *contactCache) finalize() {
	w := cc.writeCache()
	if w.dropped > 0 {
		cc.log.capacityExceeded("manifold cache", int(w.dropped)+w.count(), w.maxManifolds)
	}
	cc.read = 1 - cc.read
}

// contactPointRemovedCallbacks fires OnContactRemoved for every
// manifold of the previous step that was not re-found this step. Runs after finalize, so "previous" is the non-read cache.
func (cc *contactCache) contactPointRemovedCallbacks(listener ContactListener) {
	prev := cc.caches[1-cc.read]
	prev.forEachManifold(func(m *ContactManifold) {
		if !m.persisted {
			listener.OnContactRemoved(m.Body1, m.Body2, m.Sub1, m.Sub2)
		}
	})
}

// relativePose computes body2's pose expressed in body1 local space,
// the quantity the body-pair reuse gate compares against its cached
// value.
func relativePose(b1, b2 *Body) (lin.V3, lin.Q) {
	var invRot lin.Q
	invRot.Inv(b1.state.pose.Rot)
	d := lin.V3{
		X: b2.state.pose.Loc.X - b1.state.pose.Loc.X,
		Y: b2.state.pose.Loc.Y - b1.state.pose.Loc.Y,
		Z: b2.state.pose.Loc.Z - b1.state.pose.Loc.Z,
	}
	var local lin.V3
	local.MultvQ(&d, &invRot)
	var rel lin.Q
	rel.Mult(&invRot, b2.state.pose.Rot)
	return local, rel
}

// pairMovedNegligibly applies the reuse gate to a cached entry.
func (cc *contactCache) pairMovedNegligibly(e *bodyPairEntry, b1, b2 *Body) bool {
	pos, rot := relativePose(b1, b2)
	dx := pos.X - e.deltaPos.X
	dy := pos.Y - e.deltaPos.Y
	dz := pos.Z - e.deltaPos.Z
	if dx*dx+dy*dy+dz*dz > cc.settings.BodyPairCacheMaxDeltaPositionSq {
		return false
	}
	// |dot| of two unit quaternions is cos(half the rotation between them).
	dot := rot.Dot(&e.deltaRot)
	if dot < 0 {
		dot = -dot
	}
	return dot >= cc.settings.BodyPairCacheCosMaxDeltaRotation
}

// inheritLambdas searches old's contact points for one within the
// preserve-lambda tolerance of p (compared in body-1 local space) and
// copies its accumulated impulses.
func (cc *contactCache) inheritLambdas(p *ContactPoint, old *ContactManifold) {
	best := -1
	bestDistSq := cc.settings.ContactPointPreserveLambdaMaxDistSq
	for i := range old.Points {
		op := &old.Points[i]
		dx := op.LocalPoint1.X - p.LocalPoint1.X
		dy := op.LocalPoint1.Y - p.LocalPoint1.Y
		dz := op.LocalPoint1.Z - p.LocalPoint1.Z
		if d := dx*dx + dy*dy + dz*dz; d <= bestDistSq {
			bestDistSq = d
			best = i
		}
	}
	if best >= 0 {
		p.NormalLambda = old.Points[best].NormalLambda
		p.FrictionLambda1 = old.Points[best].FrictionLambda1
		p.FrictionLambda2 = old.Points[best].FrictionLambda2
	}
}
