package physics

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/corephys/sim/math/lin"
)

// StateRecorder serializes every physics-visible field in a canonical
// order: body poses and velocities
// sorted by id, cached manifolds sorted by key, constraint lambdas in
// registration order. The same recorder type drives three modes:
//
//   - recording: SaveState writes the stream.
//   - reading: RestoreState consumes a recorded stream.
//   - validating: a recorder built with NewValidatingStateRecorder
//     compares each value written against the recorded stream and
//     stops at the first mismatching byte with a stream-position
//     diagnostic — the determinism test harness.
type StateRecorder struct {
	buf []byte
	pos int

	validating bool
	failed     bool
	failedAt   int

	log *Logger
}

// NewStateRecorder creates an empty recorder for SaveState.
func NewStateRecorder() *StateRecorder { return &StateRecorder{} }

// NewReadingStateRecorder wraps a previously saved stream for
// RestoreState.
func NewReadingStateRecorder(saved []byte) *StateRecorder {
	return &StateRecorder{buf: saved}
}

// NewValidatingStateRecorder wraps a previously saved stream; a
// SaveState into it compares instead of writing.
func NewValidatingStateRecorder(saved []byte, log *Logger) *StateRecorder {
	return &StateRecorder{buf: saved, validating: true, log: log}
}

// Bytes returns the recorded stream.
func (r *StateRecorder) Bytes() []byte { return r.buf }

// IsValid reports whether a validating recorder saw no mismatch.
func (r *StateRecorder) IsValid() bool { return !r.failed }

// MismatchPosition returns the stream offset of the first mismatch, or
// -1 when none occurred.
func (r *StateRecorder) MismatchPosition() int {
	if !r.failed {
		return -1
	}
	return r.failedAt
}

func (r *StateRecorder) writeU64(v uint64, field string) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	if r.validating {
		if r.failed {
			return
		}
		if r.pos+8 > len(r.buf) || binary.LittleEndian.Uint64(r.buf[r.pos:]) != v {
			r.failed = true
			r.failedAt = r.pos
			for r.failedAt < len(r.buf) && r.failedAt < r.pos+8 && r.buf[r.failedAt] == raw[r.failedAt-r.pos] {
				r.failedAt++
			}
			if r.log != nil {
				r.log.determinismMismatch(r.failedAt, field)
			}
			return
		}
		r.pos += 8
		return
	}
	r.buf = append(r.buf, raw[:]...)
	r.pos += 8
}

func (r *StateRecorder) writeF64(v float64, field string) {
	r.writeU64(math.Float64bits(v), field)
}

func (r *StateRecorder) readU64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("physics: state stream truncated at %d", r.pos)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *StateRecorder) readF64() (float64, error) {
	v, err := r.readU64()
	return math.Float64frombits(v), err
}

func (r *StateRecorder) writeV3(v lin.V3, field string) {
	r.writeF64(v.X, field)
	r.writeF64(v.Y, field)
	r.writeF64(v.Z, field)
}

func (r *StateRecorder) readV3() (lin.V3, error) {
	x, err := r.readF64()
	if err != nil {
		return lin.V3{}, err
	}
	y, err := r.readF64()
	if err != nil {
		return lin.V3{}, err
	}
	z, err := r.readF64()
	return lin.V3{X: x, Y: y, Z: z}, err
}

func (r *StateRecorder) writeQ(q lin.Q, field string) {
	r.writeF64(q.X, field)
	r.writeF64(q.Y, field)
	r.writeF64(q.Z, field)
	r.writeF64(q.W, field)
}

func (r *StateRecorder) readQ() (lin.Q, error) {
	x, err := r.readF64()
	if err != nil {
		return lin.Q{}, err
	}
	y, err := r.readF64()
	if err != nil {
		return lin.Q{}, err
	}
	z, err := r.readF64()
	if err != nil {
		return lin.Q{}, err
	}
	w, err := r.readF64()
	return lin.Q{X: x, Y: y, Z: z, W: w}, err
}

// liveBodiesSorted returns every live body ordered by id — the
// canonical body order for serialization.
func (ps *PhysicsSystem) liveBodiesSorted() []*Body {
	ps.store.mu.RLock()
	defer ps.store.mu.RUnlock()
	var out []*Body
	for _, b := range ps.store.bodies {
		if b != nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SaveState serializes the world into r. With a validating
// recorder this compares against a previous save instead.
func (ps *PhysicsSystem) SaveState(r *StateRecorder) {
	bodies := ps.liveBodiesSorted()
	r.writeU64(uint64(len(bodies)), "body count")
	for _, b := range bodies {
		r.writeU64(uint64(b.id), "body id")
		r.writeV3(*b.state.pose.Loc, "position")
		r.writeQ(*b.state.pose.Rot, "rotation")
		r.writeV3(b.state.linearVelocity, "linear velocity")
		r.writeV3(b.state.angularVelocity, "angular velocity")
		r.writeF64(b.state.sleepTimer, "sleep timer")
		awake := uint64(0)
		if b.state.isAwake {
			awake = 1
		}
		r.writeU64(awake, "awake flag")
	}

	// Manifold cache in canonical key order, each with its warm-start
	// lambdas.
	var manifolds []*ContactManifold
	ps.cache.readCache().forEachManifold(func(m *ContactManifold) { manifolds = append(manifolds, m) })
	r.writeU64(uint64(len(manifolds)), "manifold count")
	for _, m := range manifolds {
		r.writeU64(uint64(m.Body1), "manifold body1")
		r.writeU64(uint64(m.Body2), "manifold body2")
		r.writeU64(uint64(m.Sub1.bits)<<8|uint64(m.Sub1.width), "manifold sub1")
		r.writeU64(uint64(m.Sub2.bits)<<8|uint64(m.Sub2.width), "manifold sub2")
		r.writeV3(m.LocalNormal, "manifold normal")
		r.writeF64(m.PenetrationDepth, "manifold depth")
		r.writeU64(uint64(len(m.Points)), "point count")
		for _, p := range m.Points {
			r.writeV3(p.LocalPoint1, "point local1")
			r.writeV3(p.LocalPoint2, "point local2")
			r.writeF64(p.NormalLambda, "normal lambda")
			r.writeF64(p.FrictionLambda1, "friction lambda 1")
			r.writeF64(p.FrictionLambda2, "friction lambda 2")
		}
	}

	// Constraint lambdas in registration order.
	constraints := ps.Constraints()
	r.writeU64(uint64(len(constraints)), "constraint count")
	for _, c := range constraints {
		ls := c.lambdas()
		r.writeU64(uint64(len(ls)), "constraint lambda count")
		for _, l := range ls {
			r.writeF64(l, "constraint lambda")
		}
	}
}

// RestoreState deserializes a SaveState stream, rebuilding body state,
// the warm-start manifold cache and constraint lambdas, so the next
// Update continues exactly as the saved run would have.
func (ps *PhysicsSystem) RestoreState(r *StateRecorder) error {
	nBodies, err := r.readU64()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nBodies; i++ {
		rawID, err := r.readU64()
		if err != nil {
			return err
		}
		id := BodyID(rawID)
		pos, err := r.readV3()
		if err != nil {
			return err
		}
		rot, err := r.readQ()
		if err != nil {
			return err
		}
		linVel, err := r.readV3()
		if err != nil {
			return err
		}
		angVel, err := r.readV3()
		if err != nil {
			return err
		}
		sleepTimer, err := r.readF64()
		if err != nil {
			return err
		}
		awake, err := r.readU64()
		if err != nil {
			return err
		}
		b := ps.store.Body(id)
		if b == nil {
			return fmt.Errorf("physics: RestoreState: %s does not exist in this world", id)
		}
		b.SetPositionAndRotation(pos, rot)
		b.state.linearVelocity = linVel
		b.state.angularVelocity = angVel
		b.state.sleepTimer = sleepTimer
		wantAwake := awake == 1
		if wantAwake != b.state.isAwake && b.IsDynamic() {
			if wantAwake {
				ps.store.Activate(id)
			} else {
				ps.store.Deactivate(id)
			}
		}
		if b.inBroadphase {
			ps.commitBodyAABB(b)
		}
	}

	nManifolds, err := r.readU64()
	if err != nil {
		return err
	}
	cache := newManifoldCache(ps.settings.MinManifoldCacheBuckets, ps.settings.MaxContactConstraints)
	pairs := make(map[bodyPairKey]*bodyPairEntry)
	for i := uint64(0); i < nManifolds; i++ {
		m := &ContactManifold{}
		b1, err := r.readU64()
		if err != nil {
			return err
		}
		b2, err := r.readU64()
		if err != nil {
			return err
		}
		s1, err := r.readU64()
		if err != nil {
			return err
		}
		s2, err := r.readU64()
		if err != nil {
			return err
		}
		m.Body1, m.Body2 = BodyID(b1), BodyID(b2)
		m.Sub1 = SubShapeID{bits: uint32(s1 >> 8), width: uint8(s1 & 0xff)}
		m.Sub2 = SubShapeID{bits: uint32(s2 >> 8), width: uint8(s2 & 0xff)}
		if m.LocalNormal, err = r.readV3(); err != nil {
			return err
		}
		if m.PenetrationDepth, err = r.readF64(); err != nil {
			return err
		}
		nPoints, err := r.readU64()
		if err != nil {
			return err
		}
		for j := uint64(0); j < nPoints; j++ {
			var p ContactPoint
			if p.LocalPoint1, err = r.readV3(); err != nil {
				return err
			}
			if p.LocalPoint2, err = r.readV3(); err != nil {
				return err
			}
			if p.NormalLambda, err = r.readF64(); err != nil {
				return err
			}
			if p.FrictionLambda1, err = r.readF64(); err != nil {
				return err
			}
			if p.FrictionLambda2, err = r.readF64(); err != nil {
				return err
			}
			m.Points = append(m.Points, p)
		}
		cache.storeManifold(m)
		key := makeBodyPairKey(m.Body1, m.Body2)
		entry := pairs[key]
		if entry == nil {
			entry = &bodyPairEntry{}
			// The pair delta-pose gate re-bases off the restored poses.
			if rb1, rb2 := ps.store.Body(m.Body1), ps.store.Body(m.Body2); rb1 != nil && rb2 != nil {
				entry.deltaPos, entry.deltaRot = relativePose(rb1, rb2)
			}
			pairs[key] = entry
		}
		entry.manifolds = append(entry.manifolds, m)
	}
	for key, entry := range pairs {
		cache.storePair(key, entry)
	}
	ps.cache.caches[ps.cache.read] = cache

	nConstraints, err := r.readU64()
	if err != nil {
		return err
	}
	constraints := ps.Constraints()
	for i := uint64(0); i < nConstraints; i++ {
		nLambdas, err := r.readU64()
		if err != nil {
			return err
		}
		ls := make([]float64, nLambdas)
		for j := range ls {
			if ls[j], err = r.readF64(); err != nil {
				return err
			}
		}
		if int(i) < len(constraints) {
			constraints[int(i)].setLambdas(ls)
		}
	}
	return nil
}
