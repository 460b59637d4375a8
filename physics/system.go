package physics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/corephys/sim/jobsys"
	"github.com/corephys/sim/math/lin"
)

// PhysicsSystem owns the simulation: the body store, one broadphase
// quadtree per broadphase layer, the contact cache, the constraint set
// and the update pipeline that orders them across worker threads.
//
// One PhysicsSystem is the single owner of bodies and solver scratch,
// advanced by one Update call at a time.
type PhysicsSystem struct {
	store *BodyStore
	trees []*Quadtree // indexed by BroadPhaseLayer.

	bpLayers   BroadPhaseLayerInterface
	objVsBroad ObjectVsBroadPhaseLayerFilter
	objVsObj   ObjectLayerPairFilter

	settings Settings
	gravity  lin.V3

	cache *contactCache

	contactListener    ContactListener
	activationListener BodyActivationListener
	stepListeners      []StepListener
	listenerMu         sync.Mutex

	constraints  []Constraint
	constraintMu sync.Mutex

	// acceptAllPairs remembers pairs whose validate callback replied
	// "accept all": validation is skipped for them on later steps.
	acceptAllPairs   map[bodyPairKey]bool
	acceptAllPairsMu sync.Mutex

	islandBuilder IslandBuilder

	log     *Logger
	metrics *metrics

	prevSubDt float64 // last sub-step dt, for the warm-start impulse ratio.

	stepping int32 // atomic: refuses AddBody/RemoveBody during step.
	phase    int32 // atomic stepPhase: which pipeline phase is executing.
}

// stepPhase tracks the executing pipeline phase so internal mutations
// of the active-body list can assert they happen where they are
// permitted: activation during narrowphase (a contact waking a body),
// deactivation during the solve's sleep check.
type stepPhase int32

const (
	phaseIdle stepPhase = iota
	phaseCollide
	phaseSolve
)

func (ps *PhysicsSystem) setPhase(p stepPhase) { atomic.StoreInt32(&ps.phase, int32(p)) }

// assertPhase traces (and in development builds panics) when an
// operation runs outside the phases that grant it access. It never
// blocks the operation; misuse degrades rather than corrupts.
func (ps *PhysicsSystem) assertPhase(job string, want ...stepPhase) {
	cur := stepPhase(atomic.LoadInt32(&ps.phase))
	for _, w := range want {
		if cur == w {
			return
		}
	}
	ps.log.wrongPhase(job, fmt.Sprintf("phase %d", cur))
}

// Option configures a PhysicsSystem at construction, in the functional-
// option style.
type Option func(*PhysicsSystem)

// WithLogger routes the engine's trace/assert/warn output through z.
func WithLogger(z *zap.Logger) Option {
	return func(ps *PhysicsSystem) { ps.log = NewLogger(z) }
}

// WithSettings replaces the default tuning.
func WithSettings(s Settings) Option {
	return func(ps *PhysicsSystem) { ps.settings = s }
}

// WithGravity sets the world gravity vector (default 0,-9.81,0).
func WithGravity(g lin.V3) Option {
	return func(ps *PhysicsSystem) { ps.gravity = g }
}

// WithMetrics registers the pipeline's telemetry with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(ps *PhysicsSystem) { ps.metrics = newMetrics(reg) }
}

// NewPhysicsSystem constructs a system sized by the Init parameters:
// maxBodies and numBodyMutexes size the body store and lock manager,
// maxBodyPairs and maxContactConstraints cap the per-step collision
// workload.
func NewPhysicsSystem(maxBodies, numBodyMutexes, maxBodyPairs, maxContactConstraints int,
	bpLayers BroadPhaseLayerInterface, objVsBroad ObjectVsBroadPhaseLayerFilter, objVsObj ObjectLayerPairFilter,
	opts ...Option) *PhysicsSystem {

	ps := &PhysicsSystem{
		bpLayers:           bpLayers,
		objVsBroad:         objVsBroad,
		objVsObj:           objVsObj,
		settings:           DefaultSettings(),
		gravity:            lin.V3{Y: -9.81},
		contactListener:    NopContactListener{},
		activationListener: NopBodyActivationListener{},
		acceptAllPairs:     make(map[bodyPairKey]bool),
		log:                NewLogger(nil),
	}
	if maxBodyPairs > 0 {
		ps.settings.MaxBodyPairs = maxBodyPairs
	}
	if maxContactConstraints > 0 {
		ps.settings.MaxContactConstraints = maxContactConstraints
	}
	// Options run last so WithSettings can override the sizing args.
	for _, opt := range opts {
		opt(ps)
	}
	if ps.metrics == nil {
		ps.metrics = newMetrics(nil)
	}
	ps.store = NewBodyStore(maxBodies, numBodyMutexes, ps.log)
	n := bpLayers.NumBroadPhaseLayers()
	if n < 1 {
		n = 1
	}
	ps.trees = make([]*Quadtree, n)
	for i := range ps.trees {
		ps.trees[i] = NewQuadtree(ps.settings.BroadphaseMargin, ps.log)
	}
	ps.cache = newContactCache(&ps.settings, ps.log)
	return ps
}

// Bodies returns the system's body store.
func (ps *PhysicsSystem) Bodies() *BodyStore { return ps.store }

// Settings returns the live tuning values.
func (ps *PhysicsSystem) Settings() *Settings { return &ps.settings }

// Gravity returns the world gravity vector.
func (ps *PhysicsSystem) Gravity() lin.V3 { return ps.gravity }

// SetGravity replaces the world gravity vector. Takes effect at the
// next step.
func (ps *PhysicsSystem) SetGravity(g lin.V3) { ps.gravity = g }

// SetContactListener installs the contact lifecycle listener.
func (ps *PhysicsSystem) SetContactListener(l ContactListener) {
	if l == nil {
		l = NopContactListener{}
	}
	ps.contactListener = l
}

// SetBodyActivationListener installs the sleep/wake listener.
func (ps *PhysicsSystem) SetBodyActivationListener(l BodyActivationListener) {
	if l == nil {
		l = NopBodyActivationListener{}
	}
	ps.activationListener = l
}

// AddStepListener registers l to run at the start of every collision
// step.
func (ps *PhysicsSystem) AddStepListener(l StepListener) {
	ps.listenerMu.Lock()
	ps.stepListeners = append(ps.stepListeners, l)
	ps.listenerMu.Unlock()
}

// AddConstraint registers a joint with the solver. Both bodies
// are woken so the constraint takes effect immediately.
func (ps *PhysicsSystem) AddConstraint(c Constraint) {
	ps.constraintMu.Lock()
	ps.constraints = append(ps.constraints, c)
	ps.constraintMu.Unlock()
	b1, b2 := c.Bodies()
	ps.store.Activate(b1)
	ps.store.Activate(b2)
}

// RemoveConstraint unregisters a previously added joint.
func (ps *PhysicsSystem) RemoveConstraint(c Constraint) {
	ps.constraintMu.Lock()
	defer ps.constraintMu.Unlock()
	for i, have := range ps.constraints {
		if have == c {
			ps.constraints = append(ps.constraints[:i], ps.constraints[i+1:]...)
			return
		}
	}
}

// Constraints returns a snapshot of the registered joints, in
// registration order (the canonical order state serialization uses).
func (ps *PhysicsSystem) Constraints() []Constraint {
	ps.constraintMu.Lock()
	defer ps.constraintMu.Unlock()
	out := make([]Constraint, len(ps.constraints))
	copy(out, ps.constraints)
	return out
}

// bodyPair is one broadphase-reported candidate.
type bodyPair struct {
	a, b BodyID
}

// stepContext is the scratch state of one collision step, shared by the
// step's jobs.
type stepContext struct {
	stepDt   float64 // dt of the whole collision step.
	subDt    float64 // dt of one integration sub-step.
	subSteps int
	lastStep bool // last collision step of this Update call.

	active  []BodyID
	bodies  []*Body // resolved, parallel to active.
	ofIndex map[BodyID]int32

	pairs    []bodyPair
	contacts []*ContactConstraint

	activeConstraints []Constraint
	constraintBodies  [][2]*Body

	islands []Island

	contactMu sync.Mutex
}

// Update advances the world by deltaTime, split into collisionSteps
// collision steps of integrationSubSteps sub-steps each. pool
// supplies the worker threads; the result does not depend on the pool
// width.
func (ps *PhysicsSystem) Update(deltaTime float64, collisionSteps, integrationSubSteps int, pool *jobsys.Pool) error {
	if collisionSteps < 1 || integrationSubSteps < 1 {
		return fmt.Errorf("physics: Update needs at least 1 collision step and 1 sub-step")
	}
	if !atomic.CompareAndSwapInt32(&ps.stepping, 0, 1) {
		return fmt.Errorf("physics: Update called while a step is in progress")
	}
	defer atomic.StoreInt32(&ps.stepping, 0)

	start := time.Now()
	stepDt := deltaTime / float64(collisionSteps)
	for step := 0; step < collisionSteps; step++ {
		ctx := &stepContext{
			stepDt:   stepDt,
			subDt:    stepDt / float64(integrationSubSteps),
			subSteps: integrationSubSteps,
			lastStep: step == collisionSteps-1,
		}
		if err := ps.runCollisionStep(ctx, pool); err != nil {
			return err
		}
	}
	ps.metrics.stepDuration.Observe(time.Since(start).Seconds())
	return nil
}

// runCollisionStep builds and runs one collision step's job DAG.
func (ps *PhysicsSystem) runCollisionStep(sc *stepContext, pool *jobsys.Pool) error {
	ps.store.BeginStep()
	defer ps.store.EndStep()
	ps.cache.prepare()

	sc.active = ps.store.ActiveBodies()
	sc.bodies = make([]*Body, len(sc.active))
	sc.ofIndex = make(map[BodyID]int32, len(sc.active))
	for i, id := range sc.active {
		sc.bodies[i] = ps.store.Body(id)
		sc.ofIndex[id] = int32(i)
	}
	ps.metrics.activeBodies.Set(float64(len(sc.active)))

	var solveErr error

	jStepListeners := jobsys.NewJob("step-listeners", func() {
		ps.timed("step-listeners", func() {
			ps.listenerMu.Lock()
			listeners := append([]StepListener(nil), ps.stepListeners...)
			ps.listenerMu.Unlock()
			for _, l := range listeners {
				l.OnStep(sc.stepDt, ps)
			}
		})
	})
	jApplyGravity := jobsys.NewJob("apply-gravity", func() {
		ps.timed("apply-gravity", func() {
			for _, b := range sc.bodies {
				if b == nil {
					continue
				}
				b.applyGravity(ps.gravity, sc.stepDt)
				b.applyAccumulatedForces(sc.stepDt)
				b.applyDamping(sc.stepDt)
			}
		})
	})
	jDetermineActive := jobsys.NewJob("determine-active-constraints", func() {
		ps.timed("determine-active-constraints", func() {
			ps.determineActiveConstraints(sc)
		})
	})
	jBroadphasePrepare := jobsys.NewJob("broadphase-prepare", func() {
		ps.timed("broadphase-prepare", func() {
			ps.broadphasePrepare(sc)
		})
	})
	jFindCollisions := jobsys.NewJob("find-collisions", func() {
		ps.timed("find-collisions", func() {
			ps.setPhase(phaseCollide)
			defer ps.setPhase(phaseIdle)
			ps.findCollisions(sc, pool.Width())
		})
	})
	jBroadphaseFinalize := jobsys.NewJob("broadphase-finalize", func() {
		ps.timed("broadphase-finalize", func() {
			// Background rebuild + swap; the old tree's nodes are released
			// by DiscardOldTree. Runs after pair finding, before
			// integration.
			for _, tree := range ps.trees {
				tree.Rebuild()
				tree.DiscardOldTree()
			}
		})
	})
	jSetupVelocity := jobsys.NewJob("setup-velocity-constraints", func() {
		ps.timed("setup-velocity-constraints", func() {
			// Deterministic solver input order regardless of which worker
			// produced each contact.
			sort.Slice(sc.contacts, func(i, j int) bool {
				return manifoldLess(sc.contacts[i].manifold, sc.contacts[j].manifold)
			})
			ps.cache.finalize()
		})
	})
	jFinalizeIslands := jobsys.NewJob("finalize-islands", func() {
		ps.timed("finalize-islands", func() {
			ps.buildIslands(sc)
		})
	})
	jContactRemoved := jobsys.NewJob("contact-removed-callbacks", func() {
		ps.timed("contact-removed-callbacks", func() {
			ps.cache.contactPointRemovedCallbacks(ps.contactListener)
		})
	})
	jSolve := jobsys.NewJob("solve", func() {
		ps.timed("solve", func() {
			ps.setPhase(phaseSolve)
			defer ps.setPhase(phaseIdle)
			solveErr = ps.solveSubSteps(sc, pool.Width())
		})
	})

	jApplyGravity.DependsOn(jStepListeners)
	jDetermineActive.DependsOn(jStepListeners)
	jFindCollisions.DependsOn(jApplyGravity, jDetermineActive, jBroadphasePrepare)
	jBroadphaseFinalize.DependsOn(jFindCollisions)
	jSetupVelocity.DependsOn(jFindCollisions)
	jFinalizeIslands.DependsOn(jSetupVelocity)
	jContactRemoved.DependsOn(jSetupVelocity)
	jSolve.DependsOn(jBroadphaseFinalize, jFinalizeIslands, jContactRemoved)

	if err := pool.Run(context.Background(), jStepListeners, jBroadphasePrepare); err != nil {
		return err
	}
	return solveErr
}

func (ps *PhysicsSystem) timed(phase string, fn func()) {
	start := time.Now()
	fn()
	ps.metrics.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// determineActiveConstraints collects the enabled joints that touch at
// least one awake dynamic body.
func (ps *PhysicsSystem) determineActiveConstraints(sc *stepContext) {
	for _, c := range ps.Constraints() {
		if !c.Enabled() {
			continue
		}
		id1, id2 := c.Bodies()
		b1 := ps.store.Body(id1)
		b2 := ps.store.Body(id2)
		if b1 == nil || b2 == nil {
			continue
		}
		if !(b1.IsDynamic() && b1.state.isAwake) && !(b2.IsDynamic() && b2.state.isAwake) {
			continue
		}
		sc.activeConstraints = append(sc.activeConstraints, c)
		sc.constraintBodies = append(sc.constraintBodies, [2]*Body{b1, b2})
	}
}

// broadphasePrepare refreshes every active body's committed AABB before
// pair finding; the loose tree only widens here, the shrink happens in
// the background rebuild.
func (ps *PhysicsSystem) broadphasePrepare(sc *stepContext) {
	for _, b := range sc.bodies {
		if b == nil || !b.inBroadphase {
			continue
		}
		ps.commitBodyAABB(b)
	}
}

// commitBodyAABB recomputes a body's world AABB, expanded by the
// speculative contact distance so the broadphase conservativeness
// property holds, and widens its quadtree leaf.
func (ps *PhysicsSystem) commitBodyAABB(b *Body) {
	var tight AABB
	b.shape.Aabb(&b.state.pose, &tight, ps.settings.SpeculativeContactDistance)
	b.worldAabb = tight
	tree := ps.trees[b.broadPhaseLayer]
	tree.WidenAABB(b.id, tight)
}

// findCollisions is the find-collisions job: drain active bodies
// through the broadphase into a pair list, then process pairs on
// `width` parallel workers, producing cached manifolds and contact
// constraints.
func (ps *PhysicsSystem) findCollisions(sc *stepContext, width int) {
	// Pair collection is sequential (it is a pure tree read and cheap
	// relative to narrowphase); pair processing fans out below.
	seen := make(map[bodyPair]bool)
	for i, b := range sc.bodies {
		if b == nil || !b.inBroadphase || !b.state.isAwake {
			continue
		}
		self := sc.active[i]
		for layer, tree := range ps.trees {
			if !ps.objVsBroad(b.objectLayer, BroadPhaseLayer(layer)) {
				continue
			}
			tree.CollideAABox(b.worldAabb, func(other BodyID, otherLayer ObjectLayer) {
				if other == self || !ps.objVsObj(b.objectLayer, otherLayer) {
					return
				}
				ob := ps.store.Body(other)
				if ob == nil {
					return
				}
				if ob.IsStatic() && b.IsStatic() {
					return // static/static pairs are never created.
				}
				p := orderPair(self, other)
				if seen[p] {
					return
				}
				seen[p] = true
				if ps.settings.MaxBodyPairs > 0 && len(sc.pairs) >= ps.settings.MaxBodyPairs {
					ps.log.capacityExceeded("body pairs", len(sc.pairs)+1, ps.settings.MaxBodyPairs)
					ps.metrics.capacityHits.Inc()
					return
				}
				sc.pairs = append(sc.pairs, p)
			})
		}
	}
	sort.Slice(sc.pairs, func(i, j int) bool {
		if sc.pairs[i].a != sc.pairs[j].a {
			return sc.pairs[i].a < sc.pairs[j].a
		}
		return sc.pairs[i].b < sc.pairs[j].b
	})

	// Process pairs in parallel batches; results are merged under
	// contactMu and re-sorted afterwards, so worker scheduling cannot
	// leak into solver order.
	var g errgroup.Group
	g.SetLimit(width)
	const batch = 16
	for lo := 0; lo < len(sc.pairs); lo += batch {
		lo := lo
		hi := lo + batch
		if hi > len(sc.pairs) {
			hi = len(sc.pairs)
		}
		g.Go(func() error {
			for _, p := range sc.pairs[lo:hi] {
				ps.processPair(sc, p)
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; capacity issues degrade, not fail.
}

func orderPair(a, b BodyID) bodyPair {
	if a < b {
		return bodyPair{a: a, b: b}
	}
	return bodyPair{a: b, b: a}
}

// processPair runs the narrowphase-with-cache flow for one body pair.
func (ps *PhysicsSystem) processPair(sc *stepContext, p bodyPair) {
	b1 := ps.store.Body(p.a)
	b2 := ps.store.Body(p.b)
	if b1 == nil || b2 == nil {
		return
	}
	key := bodyPairKey{b1: p.a, b2: p.b}
	ps.acceptAllPairsMu.Lock()
	skipValidate := ps.acceptAllPairs[key]
	ps.acceptAllPairsMu.Unlock()
	if !skipValidate {
		switch ps.contactListener.ValidateContact(p.a, p.b) {
		case ValidateRejectContact:
			return
		case ValidateAcceptAllContactsForThisBodyPair:
			ps.acceptAllPairsMu.Lock()
			ps.acceptAllPairs[key] = true
			ps.acceptAllPairsMu.Unlock()
		}
	}

	read := ps.cache.readCache()
	write := ps.cache.writeCache()

	if old := read.pair(key); old != nil && ps.cache.pairMovedNegligibly(old, b1, b2) {
		// Reuse path: copy manifolds, re-fire persisted callbacks, emit
		// warmed constraints.
		entry := &bodyPairEntry{deltaPos: old.deltaPos, deltaRot: old.deltaRot}
		for _, om := range old.manifolds {
			om.persisted = true
			m := &ContactManifold{
				Body1: om.Body1, Body2: om.Body2,
				Sub1: om.Sub1, Sub2: om.Sub2,
				LocalNormal:      om.LocalNormal,
				Points:           append([]ContactPoint(nil), om.Points...),
				PenetrationDepth: om.PenetrationDepth,
				persisted:        false,
			}
			if !write.storeManifold(m) {
				ps.metrics.capacityHits.Inc()
				continue
			}
			entry.manifolds = append(entry.manifolds, m)
			ps.contactListener.OnContactPersisted(p.a, p.b, m)
			ps.addContactConstraint(sc, b1, b2, m)
		}
		write.storePair(key, entry)
		return
	}

	ps.narrowphasePair(sc, p, b1, b2)
}

// narrowphasePair runs full narrowphase for a pair and populates the
// write cache from scratch.
func (ps *PhysicsSystem) narrowphasePair(sc *stepContext, p bodyPair, b1, b2 *Body) {
	results := CollidePair(b1.shape, b1.state.pose, b2.shape, b2.state.pose, ps.settings.SpeculativeContactDistance, ps.log)
	if len(results) == 0 {
		return
	}
	merged := mergeByNormal(results, ps.settings.ContactNormalCosMaxDeltaRotation)

	read := ps.cache.readCache()
	write := ps.cache.writeCache()
	pos, rot := relativePose(b1, b2)
	entry := &bodyPairEntry{deltaPos: pos, deltaRot: rot}

	var invRot2 lin.Q
	invRot2.Inv(b2.state.pose.Rot)

	for _, group := range merged {
		m := ps.buildManifold(b1, b2, p, group, &invRot2)
		if m == nil {
			continue
		}
		key := manifoldKey{b1: m.Body1, b2: m.Body2, sub1: m.Sub1, sub2: m.Sub2}
		old := read.manifold(key)
		if old != nil {
			old.persisted = true
			for i := range m.Points {
				ps.cache.inheritLambdas(&m.Points[i], old)
			}
		}
		if !write.storeManifold(m) {
			ps.metrics.capacityHits.Inc()
			continue
		}
		entry.manifolds = append(entry.manifolds, m)
		if old != nil {
			ps.contactListener.OnContactPersisted(p.a, p.b, m)
		} else {
			ps.contactListener.OnContactAdded(p.a, p.b, m)
			// A fresh contact wakes a sleeping body.
			ps.wakeForContact(b1)
			ps.wakeForContact(b2)
		}
		ps.addContactConstraint(sc, b1, b2, m)
	}
	if len(entry.manifolds) > 0 {
		write.storePair(bodyPairKey{b1: p.a, b2: p.b}, entry)
	}
}

func (ps *PhysicsSystem) wakeForContact(b *Body) {
	if b.IsDynamic() && !b.state.isAwake {
		ps.assertPhase("activate-on-contact", phaseCollide, phaseIdle)
		ps.store.Activate(b.id)
		ps.activationListener.OnBodyActivated(b.id)
	}
}

// buildManifold converts one merged group of narrowphase results into a
// cached manifold keyed for the pair, with local-space storage.
func (ps *PhysicsSystem) buildManifold(b1, b2 *Body, p bodyPair, group []CollideShapeResult, invRot2 *lin.Q) *ContactManifold {
	deepest := group[0]
	for _, r := range group[1:] {
		if r.PenetrationDepth > deepest.PenetrationDepth {
			deepest = r
		}
	}
	var localNormal lin.V3
	localNormal.MultvQ(&deepest.PenetrationAxis, invRot2)

	m := &ContactManifold{
		Body1: p.a, Body2: p.b,
		Sub1: deepest.Sub1, Sub2: deepest.Sub2,
		LocalNormal:      localNormal,
		PenetrationDepth: deepest.PenetrationDepth,
	}

	// Accumulate contact points across the group, then prune to 4.
	var pts []lin.V3
	var depths []float64
	var pts2 []lin.V3
	for _, r := range group {
		pts = append(pts, r.Point1)
		pts2 = append(pts2, r.Point2)
		depths = append(depths, r.PenetrationDepth)
		if r.Face1 != nil && r.Face2 != nil {
			extra, extraDepths := ManifoldBetweenTwoFaces(r.Face1, r.Face2, r.PenetrationAxis,
				ps.settings.SpeculativeContactDistance, ps.settings.ManifoldTolerance)
			for i, e := range extra {
				pts = append(pts, e)
				depths = append(depths, extraDepths[i])
				// e sits on shape 1's contact plane; the matching shape-2
				// point is depth below it along the axis.
				p2 := lin.V3{
					X: e.X - r.PenetrationAxis.X*extraDepths[i],
					Y: e.Y - r.PenetrationAxis.Y*extraDepths[i],
					Z: e.Z - r.PenetrationAxis.Z*extraDepths[i],
				}
				pts2 = append(pts2, p2)
			}
		}
	}
	keep := PruneManifoldPoints(pts, depths, 4)
	for _, k := range keep {
		w1, w2 := pts[k], pts2[k]
		l1 := w1
		b1.state.pose.Inv(&l1)
		l2 := w2
		b2.state.pose.Inv(&l2)
		m.Points = append(m.Points, ContactPoint{LocalPoint1: l1, LocalPoint2: l2})
	}
	if len(m.Points) == 0 {
		return nil
	}
	return m
}

// mergeByNormal groups narrowphase results whose penetration axes are
// within the configured cosine of each other.
func mergeByNormal(results []CollideShapeResult, cosMax float64) [][]CollideShapeResult {
	var groups [][]CollideShapeResult
	for _, r := range results {
		placed := false
		for gi, g := range groups {
			if r.PenetrationAxis.Dot(&g[0].PenetrationAxis) >= cosMax {
				groups[gi] = append(g, r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []CollideShapeResult{r})
		}
	}
	return groups
}

func (ps *PhysicsSystem) addContactConstraint(sc *stepContext, b1, b2 *Body, m *ContactManifold) {
	sc.contactMu.Lock()
	defer sc.contactMu.Unlock()
	if ps.settings.MaxContactConstraints > 0 && len(sc.contacts) >= ps.settings.MaxContactConstraints {
		ps.log.capacityExceeded("contact constraints", len(sc.contacts)+1, ps.settings.MaxContactConstraints)
		ps.metrics.capacityHits.Inc()
		return
	}
	sc.contacts = append(sc.contacts, newContactConstraint(b1, b2, m, &ps.settings, sc.subDt))
}

// buildIslands runs the union-find over the step's constraints and
// contacts and produces the solve order.
func (ps *PhysicsSystem) buildIslands(sc *stepContext) {
	ib := &ps.islandBuilder
	ib.Prepare(len(sc.active))
	for i, c := range sc.activeConstraints {
		id1, id2 := c.Bodies()
		ib.LinkConstraint(int32(i), activeIndexOf(sc, id1), activeIndexOf(sc, id2))
	}
	for i, c := range sc.contacts {
		ib.LinkContact(int32(i), activeIndexOf(sc, c.body1), activeIndexOf(sc, c.body2))
	}
	sc.islands = ib.Finalize()
	ps.metrics.islandCount.Set(float64(len(sc.islands)))
}

func activeIndexOf(sc *stepContext, id BodyID) int32 {
	if i, ok := sc.ofIndex[id]; ok {
		return i
	}
	return -1
}

// solveSubSteps runs the per-sub-step solver loop:
// velocity solve, integrate, CCD, position solve — then the sleep check
// on the final sub-step.
func (ps *PhysicsSystem) solveSubSteps(sc *stepContext, width int) error {
	warmStartRatio := 1.0
	firstEver := ps.prevSubDt == 0
	if !firstEver {
		warmStartRatio = sc.subDt / ps.prevSubDt
	}

	for sub := 0; sub < sc.subSteps; sub++ {
		skipWarmStart := firstEver && sub == 0

		// Velocity solve per island, each island on one goroutine.
		ps.forEachIsland(sc, width, func(island *Island) {
			ps.solveIslandVelocity(sc, island, warmStartRatio, skipWarmStart)
		})

		// Integrate + collect CCD records.
		ccdRecords := ps.integrate(sc)

		// CCD runs after integration, before position solve.
		if len(ccdRecords) > 0 {
			ps.findCCDContacts(ccdRecords)
			ps.resolveCCDContacts(ccdRecords, sc.subDt)
		}

		// Position solve per island.
		ps.forEachIsland(sc, width, func(island *Island) {
			ps.solveIslandPosition(sc, island)
		})

		// Later sub-steps warm start from this sub-step's solution at
		// full strength.
		warmStartRatio = 1.0
		firstEver = false
	}

	// Persist converged impulses into the cache for next step's warm
	// start, then refresh broadphase bounds for the moved
	// bodies.
	for _, c := range sc.contacts {
		c.storeLambdas()
	}
	for _, b := range sc.bodies {
		if b != nil && b.inBroadphase {
			ps.commitBodyAABB(b)
		}
	}

	if sc.lastStep {
		ps.updateSleep(sc)
	}
	ps.prevSubDt = sc.subDt
	return nil
}

// forEachIsland fans the non-singleton islands across up to width
// goroutines; singletons have nothing to solve and are skipped.
func (ps *PhysicsSystem) forEachIsland(sc *stepContext, width int, fn func(*Island)) {
	var g errgroup.Group
	g.SetLimit(width)
	for i := range sc.islands {
		island := &sc.islands[i]
		if len(island.Constraints) == 0 && len(island.Contacts) == 0 {
			continue
		}
		g.Go(func() error {
			fn(island)
			return nil
		})
	}
	_ = g.Wait()
}

func (ps *PhysicsSystem) solveIslandVelocity(sc *stepContext, island *Island, warmStartRatio float64, skipWarmStart bool) {
	// Setup all rows for the bodies' current poses.
	for _, ci := range island.Constraints {
		c := sc.activeConstraints[ci]
		bp := sc.constraintBodies[ci]
		c.setup(bp[0], bp[1], sc.subDt)
	}
	for _, ci := range island.Contacts {
		sc.contacts[ci].setup(&ps.settings, sc.subDt)
	}

	// Warm start.
	if !skipWarmStart {
		for _, ci := range island.Constraints {
			bp := sc.constraintBodies[ci]
			sc.activeConstraints[ci].warmStart(bp[0], bp[1], warmStartRatio)
		}
		for _, ci := range island.Contacts {
			sc.contacts[ci].warmStart(warmStartRatio)
		}
	}

	// Velocity passes with early-exit when an iteration changes nothing.
	for it := 0; it < ps.settings.NumVelocitySteps; it++ {
		changed := false
		for _, ci := range island.Contacts {
			changed = sc.contacts[ci].solveVelocity() || changed
		}
		for _, ci := range island.Constraints {
			bp := sc.constraintBodies[ci]
			changed = sc.activeConstraints[ci].solveVelocity(bp[0], bp[1], sc.subDt) || changed
		}
		if !changed {
			break
		}
	}
}

func (ps *PhysicsSystem) solveIslandPosition(sc *stepContext, island *Island) {
	for it := 0; it < ps.settings.NumPositionSteps; it++ {
		moved := false
		for _, ci := range island.Contacts {
			moved = sc.contacts[ci].solvePosition(&ps.settings) || moved
		}
		for _, ci := range island.Constraints {
			bp := sc.constraintBodies[ci]
			moved = sc.activeConstraints[ci].solvePosition(bp[0], bp[1], ps.settings.Baumgarte) || moved
		}
		if !moved {
			break
		}
	}
}

// integrate advances every active body by one sub-step, deferring
// linear-cast bodies that move too far into CCD records instead.
func (ps *PhysicsSystem) integrate(sc *stepContext) []*ccdBody {
	var records []*ccdBody
	for _, b := range sc.bodies {
		if b == nil || !b.state.isAwake {
			continue
		}
		switch b.motion {
		case MotionStatic:
			continue
		case MotionKinematic:
			b.integrateKinematic(sc.subDt)
			continue
		}
		b.clampVelocities(&ps.settings)
		if needsLinearCast(b, sc.subDt, &ps.settings) {
			records = append(records, &ccdBody{
				body: b,
				delta: lin.V3{
					X: b.state.linearVelocity.X * sc.subDt,
					Y: b.state.linearVelocity.Y * sc.subDt,
					Z: b.state.linearVelocity.Z * sc.subDt,
				},
				fraction:         1.0,
				fractionPlusSlop: 1.0,
			})
			continue
		}
		b.integrate(sc.subDt)
	}
	return records
}

// updateSleep runs the policy on the last sub-step of the last
// collision step: islands whose every body has been slow enough for
// long enough deactivate atomically.
func (ps *PhysicsSystem) updateSleep(sc *stepContext) {
	for _, b := range sc.bodies {
		if b == nil || b.motion != MotionDynamic || !b.state.isAwake {
			continue
		}
		if b.maxPointVelocity() < ps.settings.PointVelocitySleepThreshold {
			b.state.sleepTimer += sc.stepDt
		} else {
			b.state.sleepTimer = 0
		}
	}
	for i := range sc.islands {
		island := &sc.islands[i]
		allAsleep := true
		anyDynamic := false
		for _, ai := range island.Bodies {
			b := sc.bodies[ai]
			if b == nil || b.motion != MotionDynamic {
				continue
			}
			anyDynamic = true
			if b.state.sleepTimer < ps.settings.TimeBeforeSleep {
				allAsleep = false
				break
			}
		}
		if !anyDynamic || !allAsleep {
			continue
		}
		for _, ai := range island.Bodies {
			b := sc.bodies[ai]
			if b == nil || b.motion != MotionDynamic {
				continue
			}
			ps.assertPhase("deactivate-on-sleep", phaseSolve, phaseIdle)
			ps.store.Deactivate(b.id)
			ps.activationListener.OnBodyDeactivated(b.id)
		}
	}
}

// clampVelocities applies the speed caps.
func (b *Body) clampVelocities(s *Settings) {
	if l := b.state.linearVelocity.Len(); l > s.MaxLinearVelocity {
		f := s.MaxLinearVelocity / l
		b.state.linearVelocity.X *= f
		b.state.linearVelocity.Y *= f
		b.state.linearVelocity.Z *= f
	}
	if l := b.state.angularVelocity.Len(); l > s.MaxAngularVelocity {
		f := s.MaxAngularVelocity / l
		b.state.angularVelocity.X *= f
		b.state.angularVelocity.Y *= f
		b.state.angularVelocity.Z *= f
	}
}

// integrateKinematic advances a kinematic body along its velocities;
// kinematic targets set via BodyInterface translate into these
// velocities.
func (b *Body) integrateKinematic(dt float64) {
	var next lin.T
	next.Loc, next.Rot = &lin.V3{}, &lin.Q{}
	next.Integrate(&b.state.pose, &b.state.linearVelocity, &b.state.angularVelocity, dt)
	b.state.pose.Set(&next)
}

// maxPointVelocity estimates the fastest-moving point of the body:
// |v| + |w| * bounding radius.
func (b *Body) maxPointVelocity() float64 {
	ex := (b.worldAabb.Max.X - b.worldAabb.Min.X) * 0.5
	ey := (b.worldAabb.Max.Y - b.worldAabb.Min.Y) * 0.5
	ez := (b.worldAabb.Max.Z - b.worldAabb.Min.Z) * 0.5
	radius := math.Sqrt(ex*ex + ey*ey + ez*ez)
	return b.state.linearVelocity.Len() + b.state.angularVelocity.Len()*radius
}
