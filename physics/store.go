package physics

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BodyStore owns every Body and is the sole authority over body
// lifecycle. It is backed by a dense array indexed by BodyID.Index();
// destroyed slots return to a free list tagged with a bumped
// generation so stale ids are detected.
type BodyStore struct {
	Locks *LockManager

	mu         sync.RWMutex // world-level read/write pair: add/remove vs step.
	bodies     []*Body
	generation []uint32
	freeList   []uint32

	active []BodyID // dense list of currently-simulating body ids.

	stepInProgress int32    // atomic bool.
	pendingFree    []uint32 // destroyed-this-step slots; freed at endStep.

	log *Logger
}

// NewBodyStore creates an empty store sized to maxBodies (a hint; the
// backing array grows past it if exceeded, and that growth is not
// logged).
func NewBodyStore(maxBodies int, numMutexes int, log *Logger) *BodyStore {
	if maxBodies < 0 {
		maxBodies = 0
	}
	return &BodyStore{
		Locks:      NewLockManager(numMutexes),
		bodies:     make([]*Body, 0, maxBodies),
		generation: make([]uint32, 0, maxBodies),
		log:        log,
	}
}

// CreateBody allocates a slot for b and returns its id. Must not be
// called while a step is in progress.
func (s *BodyStore) CreateBody(b *Body) (BodyID, error) {
	if atomic.LoadInt32(&s.stepInProgress) != 0 {
		return InvalidBodyID, fmt.Errorf("physics: CreateBody called while a step is in progress")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var index uint32
	if n := len(s.freeList); n > 0 {
		index = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		index = uint32(len(s.bodies))
		s.bodies = append(s.bodies, nil)
		s.generation = append(s.generation, 0)
	}
	gen := s.generation[index]
	id := newBodyID(index, gen)
	b.id = id
	b.activeIndex = -1
	s.bodies[index] = b
	return id, nil
}

// DestroyBody removes b from the store. Must not be called while the
// body is still in the broadphase. A call during a step is accepted,
// but the freed slot only re-enters the free list at the end of
// the physics step that destroyed it, so a
// stale lookup mid-step still resolves to nil rather than a
// just-recycled body of a different generation.
func (s *BodyStore) DestroyBody(id BodyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.lookupLocked(id)
	if b == nil {
		return fmt.Errorf("physics: DestroyBody: %s is not a live body", id)
	}
	if b.inBroadphase {
		return fmt.Errorf("physics: DestroyBody: %s is still in the broadphase", id)
	}
	index := id.Index()
	s.bodies[index] = nil
	s.generation[index]++
	if atomic.LoadInt32(&s.stepInProgress) != 0 {
		s.pendingFree = append(s.pendingFree, index)
	} else {
		s.freeList = append(s.freeList, index)
	}
	return nil
}

func (s *BodyStore) lookupLocked(id BodyID) *Body {
	if id.IsInvalid() {
		return nil
	}
	idx := id.Index()
	if int(idx) >= len(s.bodies) {
		return nil
	}
	if s.generation[idx] != id.Generation() {
		return nil
	}
	return s.bodies[idx]
}

// Body returns the live body for id without locking its per-body
// mutex; callers that only read immutable fields (shape, id) may use
// this, but anyone touching pose/velocity must go through BodyLockRead
// or BodyLockWrite.
func (s *BodyStore) Body(id BodyID) *Body {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(id)
}

// BodyLockRead returns b's body locked for reading together with the
// unlock function to call when done.
func (s *BodyStore) BodyLockRead(id BodyID) (*Body, func()) {
	b := s.Body(id)
	if b == nil {
		return nil, func() {}
	}
	s.Locks.Lock(id) // a single RW primitive isn't worth it at this granularity.
	return b, func() { s.Locks.Unlock(id) }
}

// BodyLockWrite is identical to BodyLockRead; the lock manager does
// not distinguish readers from writers.
func (s *BodyStore) BodyLockWrite(id BodyID) (*Body, func()) {
	return s.BodyLockRead(id)
}

// LockTwoBodies resolves and locks both ids in ascending lock-index
// order, returning both bodies (nil if stale) and a combined
// unlock function.
func (s *BodyStore) LockTwoBodies(a, b BodyID) (ba, bb *Body, unlock func()) {
	s.Locks.LockTwo(a, b)
	ba = s.Body(a)
	bb = s.Body(b)
	return ba, bb, func() { s.Locks.UnlockTwo(a, b) }
}

// NumBodies returns the number of live (not destroyed) bodies.
func (s *BodyStore) NumBodies() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bodies) - len(s.freeList) - len(s.pendingFree)
}

// Activate adds id to the active-body list if it isn't already active,
// recording its position on the Body for O(1) reverse lookup.
// Safe to call from internal code during a step (e.g. a contact waking
// a sleeping body, shared-resource policy); application code should
// go through BodyInterface.
func (s *BodyStore) Activate(id BodyID) {
	b := s.Body(id)
	if b == nil || b.motion == MotionStatic {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.activeIndex >= 0 {
		b.wake()
		return
	}
	b.activeIndex = int32(len(s.active))
	s.active = append(s.active, id)
	b.wake()
}

// Deactivate removes id from the active-body list via swap-remove,
// fixing up the displaced body's activeIndex.
func (s *BodyStore) Deactivate(id BodyID) {
	b := s.Body(id)
	if b == nil || b.activeIndex < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := len(s.active) - 1
	i := b.activeIndex
	if int(i) != last {
		moved := s.active[last]
		s.active[i] = moved
		if mb := s.lookupLocked(moved); mb != nil {
			mb.activeIndex = i
		}
	}
	s.active = s.active[:last]
	b.activeIndex = -1
	b.state.isAwake = false
}

// ActiveBodies returns the current dense active-body list. The slice
// is only stable between steps; callers inside a step must not retain
// it across a phase that may activate/deactivate bodies.
func (s *BodyStore) ActiveBodies() []BodyID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BodyID, len(s.active))
	copy(out, s.active)
	return out
}

// BeginStep refuses CreateBody for the step's duration; DestroyBody
// stays allowed and the slots it frees wait for EndStep.
func (s *BodyStore) BeginStep() { atomic.StoreInt32(&s.stepInProgress, 1) }

// EndStep re-allows lifecycle calls and flushes bodies destroyed
// during the step into the reusable free list.
func (s *BodyStore) EndStep() {
	s.mu.Lock()
	s.freeList = append(s.freeList, s.pendingFree...)
	s.pendingFree = s.pendingFree[:0]
	s.mu.Unlock()
	atomic.StoreInt32(&s.stepInProgress, 0)
}

func (s *BodyStore) setInBroadphase(id BodyID, v bool) {
	if b := s.Body(id); b != nil {
		b.inBroadphase = v
	}
}
