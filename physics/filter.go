package physics

// ObjectLayer is an application-defined fine-grained collision tag
// (e.g. "player", "debris", "trigger"). BroadPhaseLayer is the coarser
// tag a broadphase quadtree root is built around (e.g. "moving",
// "non-moving"). Both are plain integers; their meaning is entirely up
// to the application.
type ObjectLayer uint16
type BroadPhaseLayer uint8

// BroadPhaseLayerInterface maps each ObjectLayer to the BroadPhaseLayer
// whose quadtree it lives in. Implementations must be pure and
// thread-safe: the broadphase calls this from many goroutines
// during AddBodiesPrepare/Finalize.
type BroadPhaseLayerInterface interface {
	BroadPhaseLayer(layer ObjectLayer) BroadPhaseLayer
	NumBroadPhaseLayers() int
}

// ObjectVsBroadPhaseLayerFilter decides whether an object layer should
// ever be checked against bodies in a given broadphase layer, before
// any per-pair narrowphase work runs.
type ObjectVsBroadPhaseLayerFilter func(object ObjectLayer, broad BroadPhaseLayer) bool

// ObjectLayerPairFilter decides whether two object layers may collide
// at all. Both filter types must be pure and thread-safe; the
// pipeline calls them concurrently from narrowphase worker goroutines.
type ObjectLayerPairFilter func(a, b ObjectLayer) bool

// MapBroadPhaseLayerInterface is the common case: a small, static
// []BroadPhaseLayer indexed by ObjectLayer.
type MapBroadPhaseLayerInterface struct {
	layers []BroadPhaseLayer
}

// NewMapBroadPhaseLayerInterface builds a BroadPhaseLayerInterface from
// a dense object-layer -> broadphase-layer table.
func NewMapBroadPhaseLayerInterface(layers []BroadPhaseLayer) *MapBroadPhaseLayerInterface {
	return &MapBroadPhaseLayerInterface{layers: layers}
}

func (m *MapBroadPhaseLayerInterface) BroadPhaseLayer(layer ObjectLayer) BroadPhaseLayer {
	if int(layer) >= len(m.layers) {
		return 0
	}
	return m.layers[layer]
}

func (m *MapBroadPhaseLayerInterface) NumBroadPhaseLayers() int {
	max := BroadPhaseLayer(0)
	for _, l := range m.layers {
		if l > max {
			max = l
		}
	}
	return int(max) + 1
}

// AllowAllObjectVsBroadPhaseLayerFilter never rejects a layer pair; a
// reasonable default when the application hasn't split bodies across
// broadphase layers for filtering purposes.
func AllowAllObjectVsBroadPhaseLayerFilter(ObjectLayer, BroadPhaseLayer) bool { return true }

// AllowAllObjectLayerPairFilter never rejects an object-layer pair.
func AllowAllObjectLayerPairFilter(ObjectLayer, ObjectLayer) bool { return true }

// ContactValidateResult is the application's reply to a ContactValidate
// callback. AcceptAllContactsForThisBodyPair short-circuits
// future calls for the same pair on every later step.
type ContactValidateResult uint8

const (
	ValidateAcceptContact ContactValidateResult = iota
	ValidateRejectContact
	ValidateAcceptAllContactsForThisBodyPair
)

// ContactListener receives notifications about the contact manifold
// cache's lifecycle. All methods
// may be called concurrently from narrowphase worker goroutines except
// where noted; implementations must be safe for that.
type ContactListener interface {
	// ValidateContact runs once per candidate body pair per step,
	// before narrowphase populates the write cache. Returning
	// anything but ValidateRejectContact admits the pair.
	ValidateContact(b1, b2 BodyID) ContactValidateResult

	// OnContactAdded fires the first step a manifold is discovered.
	OnContactAdded(b1, b2 BodyID, manifold *ContactManifold)
	// OnContactPersisted fires on every later step the manifold is
	// re-found within tolerance.
	OnContactPersisted(b1, b2 BodyID, manifold *ContactManifold)
	// OnContactRemoved fires once, the step a previously-cached
	// manifold is no longer re-found.
	OnContactRemoved(b1, b2 BodyID, sub1, sub2 SubShapeID)
}

// NopContactListener implements ContactListener with no-ops and
// ValidateAcceptContact for every pair; the zero-value default so
// PhysicsSystem never has to nil-check its listener.
type NopContactListener struct{}

func (NopContactListener) ValidateContact(BodyID, BodyID) ContactValidateResult {
	return ValidateAcceptContact
}
func (NopContactListener) OnContactAdded(BodyID, BodyID, *ContactManifold)         {}
func (NopContactListener) OnContactPersisted(BodyID, BodyID, *ContactManifold)     {}
func (NopContactListener) OnContactRemoved(BodyID, BodyID, SubShapeID, SubShapeID) {}

// BodyActivationListener is notified when a body crosses the
// active/sleeping boundary.
type BodyActivationListener interface {
	OnBodyActivated(id BodyID)
	OnBodyDeactivated(id BodyID)
}

// NopBodyActivationListener is the default no-op listener.
type NopBodyActivationListener struct{}

func (NopBodyActivationListener) OnBodyActivated(BodyID)   {}
func (NopBodyActivationListener) OnBodyDeactivated(BodyID) {}

// StepListener is invoked once per collision step, before gravity is
// applied, letting the application inject custom forces.
type StepListener interface {
	OnStep(deltaTime float64, system *PhysicsSystem)
}

// StepListenerFunc adapts a plain function to StepListener.
type StepListenerFunc func(deltaTime float64, system *PhysicsSystem)

func (f StepListenerFunc) OnStep(dt float64, s *PhysicsSystem) { f(dt, s) }
