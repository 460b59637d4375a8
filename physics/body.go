package physics

import (
	"math"
	"sync"

	"github.com/corephys/sim/math/lin"
)

// MotionType classifies how a body participates in simulation.
type MotionType uint8

const (
	// MotionStatic bodies never move and are skipped by integration and
	// the solver's velocity/position passes.
	MotionStatic MotionType = iota
	// MotionKinematic bodies are moved externally (by SetPositionAndRotation
	// or a velocity set directly) and push dynamic bodies but are never
	// themselves pushed.
	MotionKinematic
	// MotionDynamic bodies fully participate in integration and solving.
	MotionDynamic
)

// MotionQuality selects the collision-safety strategy used for a
// dynamic body. LinearCast bodies are swept for CCD;
// Discrete bodies are not.
type MotionQuality uint8

const (
	MotionDiscrete MotionQuality = iota
	MotionLinearCast
)

// motionState holds everything about a body that changes every step:
// pose and velocities. Kept separate from the immutable shape/mass
// properties so the solver and integrator touch a small, cache-dense
// struct.
type motionState struct {
	pose lin.T

	linearVelocity  lin.V3
	angularVelocity lin.V3

	linearDamping  float64
	angularDamping float64
	gravityFactor  float64

	accumulatedForce  lin.V3
	accumulatedTorque lin.V3

	sleepTimer float64
	isAwake    bool
}

// Body is one rigid body in the simulation. Bodies are owned by the
// BodyStore and addressed by BodyID, never by retained pointers.
type Body struct {
	id BodyID

	motion   MotionType
	quality  MotionQuality
	shape    Shape
	userData uint64

	invMass    float64 // 0 for static/kinematic bodies.
	invInertia lin.V3  // diagonal inverse inertia tensor, body space.

	friction    float64
	restitution float64

	collisionGroup    uint32
	collisionSubGroup uint32

	objectLayer     ObjectLayer // used by the object-vs-broadphase/object filters.
	broadPhaseLayer BroadPhaseLayer

	// activeIndex is this body's position in the BodyStore's active-body
	// array, or -1 when the body is not active. Stored on the body so
	// CCD and the island builder can map active-index -> body in O(1)
	// without a reverse lookup.
	activeIndex int32

	inBroadphase bool

	state motionState

	worldAabb AABB // last broadphase-committed AABB (includes the speculative contact distance).

	mu sync.Mutex // not locked by this package; body state is guarded by BodyStore.Locks (lock.go).
}

// NewBody creates a dynamic body with the given shape and mass. Mass
// must be positive for a dynamic body; callers making a static or
// kinematic body should follow with SetMotionType, which zeroes
// invMass as a side effect.
func NewBody(shape Shape, mass float64) *Body {
	b := &Body{
		shape:       shape,
		motion:      MotionDynamic,
		friction:    0.2,
		restitution: 0.0,
	}
	b.state.pose = lin.T{Loc: &lin.V3{}, Rot: &lin.Q{X: 0, Y: 0, Z: 0, W: 1}}
	b.state.gravityFactor = 1.0
	b.state.isAwake = true
	b.SetMass(mass)
	return b
}

// ID returns the body's identity, assigned by BodyStore.CreateBody.
// Before that it is the zero BodyID, which is not InvalidBodyID.
func (b *Body) ID() BodyID { return b.id }

// SetMass recomputes invMass and invInertia from the body's shape. A
// mass of zero is treated as "infinite mass": invMass and invInertia
// become zero, matching a static body's solver contribution regardless
// of its declared MotionType.
func (b *Body) SetMass(mass float64) {
	if mass <= 0 {
		b.invMass = 0
		b.invInertia = lin.V3{}
		return
	}
	b.invMass = 1.0 / mass
	var inertia lin.V3
	b.shape.Inertia(mass, &inertia)
	b.invInertia = lin.V3{X: safeInv(inertia.X), Y: safeInv(inertia.Y), Z: safeInv(inertia.Z)}
}

func safeInv(x float64) float64 {
	if x <= lin.Epsilon {
		return 0
	}
	return 1.0 / x
}

// SetMotionType changes how the body participates in simulation. A
// body set to Static or Kinematic has its inverse mass zeroed so the
// solver never applies an impulse to it directly.
func (b *Body) SetMotionType(m MotionType) {
	b.motion = m
	if m != MotionDynamic {
		b.invMass = 0
		b.invInertia = lin.V3{}
	}
}

func (b *Body) MotionType() MotionType       { return b.motion }
func (b *Body) MotionQuality() MotionQuality { return b.quality }

// SetMotionQuality selects discrete vs. linear-cast CCD handling.
func (b *Body) SetMotionQuality(q MotionQuality) { b.quality = q }

func (b *Body) Shape() Shape { return b.shape }

func (b *Body) IsStatic() bool    { return b.motion == MotionStatic }
func (b *Body) IsKinematic() bool { return b.motion == MotionKinematic }
func (b *Body) IsDynamic() bool   { return b.motion == MotionDynamic }

// ObjectLayer returns the application-defined collision layer tag used
// by the two-level collision filter.
func (b *Body) ObjectLayer() ObjectLayer { return b.objectLayer }

// SetObjectLayer sets the object layer. Must be set before the body is
// added to the broadphase; the broadphase caches it per-body.
func (b *Body) SetObjectLayer(l ObjectLayer) { b.objectLayer = l }

// BroadPhaseLayer returns the coarse layer used to route the body to a
// broadphase quadtree root.
func (b *Body) BroadPhaseLayer() BroadPhaseLayer { return b.broadPhaseLayer }

// IsInBroadphase reports whether the body is currently indexed by the
// broadphase.
func (b *Body) IsInBroadphase() bool { return b.inBroadphase }

// SetCollisionGroup/SetCollisionSubGroup set the fine-grained grouping
// used by application-level ignore rules on top of the object-layer
// filter (additional collision tags, Body).
func (b *Body) SetCollisionGroup(group, subGroup uint32) {
	b.collisionGroup, b.collisionSubGroup = group, subGroup
}

func (b *Body) CollisionGroup() (group, subGroup uint32) {
	return b.collisionGroup, b.collisionSubGroup
}

// SetFriction sets the body's friction coefficient; pairs combine by
// geometric mean.
func (b *Body) SetFriction(f float64) { b.friction = f }

// Friction returns the body's friction coefficient.
func (b *Body) Friction() float64 { return b.friction }

// SetRestitution sets the body's restitution; pairs combine by max.
func (b *Body) SetRestitution(r float64) { b.restitution = r }

// Restitution returns the body's restitution.
func (b *Body) Restitution() float64 { return b.restitution }

// UserData stores and retrieves an opaque application-defined handle,
// untouched by the simulation core.
func (b *Body) UserData() uint64     { return b.userData }
func (b *Body) SetUserData(v uint64) { b.userData = v }

// WorldAABB returns the last broadphase-committed bounding box.
func (b *Body) WorldAABB() AABB { return b.worldAabb }

// Position returns the body's world-space location.
func (b *Body) Position() lin.V3 { return *b.state.pose.Loc }

// Rotation returns the body's world-space orientation.
func (b *Body) Rotation() lin.Q { return *b.state.pose.Rot }

// SetPositionAndRotation places a body directly, bypassing integration
// (used for kinematic bodies and initial placement).
func (b *Body) SetPositionAndRotation(loc lin.V3, rot lin.Q) {
	b.state.pose.Loc.Set(&loc)
	b.state.pose.Rot.Set(&rot)
}

func (b *Body) LinearVelocity() lin.V3  { return b.state.linearVelocity }
func (b *Body) AngularVelocity() lin.V3 { return b.state.angularVelocity }

func (b *Body) SetLinearVelocity(v lin.V3)  { b.state.linearVelocity = v }
func (b *Body) SetAngularVelocity(v lin.V3) { b.state.angularVelocity = v }

// SetDamping sets the linear/angular damping coefficients; each step
// scales the velocities by 1/(1+damping*dt) (see applyDamping).
func (b *Body) SetDamping(linear, angular float64) {
	b.state.linearDamping = linear
	b.state.angularDamping = angular
}

// SetGravityFactor scales gravity's effect on this body; 0 disables
// gravity, 1 is normal, negative values float the body upward.
func (b *Body) SetGravityFactor(f float64) { b.state.gravityFactor = f }

// IsAwake reports whether a dynamic body is awake (not sleeping).
// Static and kinematic bodies always report true.
func (b *Body) IsAwake() bool { return b.state.isAwake || b.motion != MotionDynamic }

func (b *Body) wake() {
	b.state.isAwake = true
	b.state.sleepTimer = 0
}

// applyGravity adds one step's worth of gravitational acceleration to
// the body's linear velocity.
func (b *Body) applyGravity(gravity lin.V3, dt float64) {
	if b.invMass == 0 || !b.IsAwake() {
		return
	}
	f := b.state.gravityFactor
	b.state.linearVelocity.X += gravity.X * f * dt
	b.state.linearVelocity.Y += gravity.Y * f * dt
	b.state.linearVelocity.Z += gravity.Z * f * dt
}

// AddForce accumulates a world-space force applied at the center of
// mass; it converts to a velocity change at the next step's
// apply-gravity phase and is then cleared.
func (b *Body) AddForce(f lin.V3) {
	b.state.accumulatedForce.X += f.X
	b.state.accumulatedForce.Y += f.Y
	b.state.accumulatedForce.Z += f.Z
}

// AddTorque accumulates a world-space torque, cleared like AddForce.
func (b *Body) AddTorque(t lin.V3) {
	b.state.accumulatedTorque.X += t.X
	b.state.accumulatedTorque.Y += t.Y
	b.state.accumulatedTorque.Z += t.Z
}

// AddImpulse applies an instantaneous center-of-mass impulse.
func (b *Body) AddImpulse(imp lin.V3) {
	b.state.linearVelocity.X += imp.X * b.invMass
	b.state.linearVelocity.Y += imp.Y * b.invMass
	b.state.linearVelocity.Z += imp.Z * b.invMass
}

// applyAccumulatedForces converts the forces/torques gathered since the
// last step into velocity changes and clears the accumulators.
func (b *Body) applyAccumulatedForces(dt float64) {
	if b.invMass == 0 || !b.IsAwake() {
		b.state.accumulatedForce = lin.V3{}
		b.state.accumulatedTorque = lin.V3{}
		return
	}
	b.state.linearVelocity.X += b.state.accumulatedForce.X * b.invMass * dt
	b.state.linearVelocity.Y += b.state.accumulatedForce.Y * b.invMass * dt
	b.state.linearVelocity.Z += b.state.accumulatedForce.Z * b.invMass * dt
	dw := b.invInertiaWorld(b.state.accumulatedTorque)
	b.state.angularVelocity.X += dw.X * dt
	b.state.angularVelocity.Y += dw.Y * dt
	b.state.angularVelocity.Z += dw.Z * dt
	b.state.accumulatedForce = lin.V3{}
	b.state.accumulatedTorque = lin.V3{}
}

// applyDamping shrinks linear/angular velocity toward zero with a
// 1/(1+damping*dt) decay, stable for any positive damping and timestep.
func (b *Body) applyDamping(dt float64) {
	lf := 1.0 / (1.0 + dt*b.state.linearDamping)
	af := 1.0 / (1.0 + dt*b.state.angularDamping)
	b.state.linearVelocity.X *= lf
	b.state.linearVelocity.Y *= lf
	b.state.linearVelocity.Z *= lf
	b.state.angularVelocity.X *= af
	b.state.angularVelocity.Y *= af
	b.state.angularVelocity.Z *= af
}

// integrate advances the body's pose by dt using its current
// velocities, via lin.T.Integrate (symplectic Euler with an
// exponential-map orientation update, math/lin/transform.go).
func (b *Body) integrate(dt float64) {
	if b.invMass == 0 || !b.IsAwake() {
		return
	}
	var next lin.T
	next.Loc, next.Rot = &lin.V3{}, &lin.Q{}
	next.Integrate(&b.state.pose, &b.state.linearVelocity, &b.state.angularVelocity, dt)
	b.state.pose.Set(&next)
}

// combinedFriction/combinedRestitution are the pair-combination rules
// used when building a contact constraint: geometric mean for friction,
// max for restitution.
func combinedFriction(a, b *Body) float64 {
	return sqrtClamped(a.friction * b.friction)
}

func combinedRestitution(a, b *Body) float64 {
	if a.restitution > b.restitution {
		return a.restitution
	}
	return b.restitution
}

func sqrtClamped(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}
