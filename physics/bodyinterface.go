package physics

import (
	"fmt"
	"sync/atomic"

	"github.com/corephys/sim/math/lin"
)

// BodyCreationSettings bundles everything needed to create a body.
type BodyCreationSettings struct {
	Shape    Shape
	Position lin.V3
	Rotation lin.Q

	MotionType    MotionType
	MotionQuality MotionQuality
	ObjectLayer   ObjectLayer

	Mass        float64 // ignored for static/kinematic bodies.
	Friction    float64
	Restitution float64

	LinearVelocity  lin.V3
	AngularVelocity lin.V3

	LinearDamping  float64
	AngularDamping float64
	GravityFactor  float64

	UserData uint64
}

// BodyInterface is the application's handle for body lifecycle and
// state changes. It routes everything through the body store's
// lock discipline and the broadphase's batched add/remove path.
type BodyInterface struct {
	sys *PhysicsSystem
}

// BodyInterface returns the system's body interface.
func (ps *PhysicsSystem) BodyInterface() *BodyInterface { return &BodyInterface{sys: ps} }

// CreateBody allocates a body from settings. The body is not yet in the
// broadphase; call AddBody (or the batched variants) to start
// simulating it.
func (bi *BodyInterface) CreateBody(s BodyCreationSettings) (BodyID, error) {
	if s.Shape == nil {
		return InvalidBodyID, fmt.Errorf("physics: CreateBody: settings need a shape")
	}
	mass := s.Mass
	if s.MotionType != MotionDynamic {
		mass = 0
	}
	b := NewBody(s.Shape, mass)
	b.SetMotionType(s.MotionType)
	b.SetMotionQuality(s.MotionQuality)
	b.SetObjectLayer(s.ObjectLayer)
	rot := s.Rotation
	if rot == (lin.Q{}) {
		rot = lin.Q{W: 1}
	}
	b.SetPositionAndRotation(s.Position, rot)
	b.SetLinearVelocity(s.LinearVelocity)
	b.SetAngularVelocity(s.AngularVelocity)
	b.SetDamping(s.LinearDamping, s.AngularDamping)
	if s.GravityFactor != 0 {
		b.SetGravityFactor(s.GravityFactor)
	}
	if s.Friction != 0 {
		b.SetFriction(s.Friction)
	}
	b.SetRestitution(s.Restitution)
	b.SetUserData(s.UserData)
	return bi.sys.store.CreateBody(b)
}

// CreateAndAddBody is the common CreateBody+AddBody pairing.
func (bi *BodyInterface) CreateAndAddBody(s BodyCreationSettings, activate bool) (BodyID, error) {
	id, err := bi.CreateBody(s)
	if err != nil {
		return id, err
	}
	return id, bi.AddBody(id, activate)
}

// AddBody inserts the body into the broadphase and, when activate is
// set, into the active simulation set. Refused while a step is in
// progress.
func (bi *BodyInterface) AddBody(id BodyID, activate bool) error {
	return bi.AddBodiesFinalize(bi.AddBodiesPrepare([]BodyID{id}), activate)
}

// AddBodiesPrepare begins a batched insert. It only returns the ids;
// the per-layer work happens in AddBodiesFinalize.
func (bi *BodyInterface) AddBodiesPrepare(ids []BodyID) []BodyID {
	// Preparation is a snapshot; the per-layer offline build happens in
	// Finalize (see Quadtree.AddBodiesPrepare).
	return ids
}

// AddBodiesFinalize attaches a prepared batch.
func (bi *BodyInterface) AddBodiesFinalize(ids []BodyID, activate bool) error {
	ps := bi.sys
	if err := ps.refuseDuringStep("AddBody"); err != nil {
		return err
	}
	byLayer := make(map[BroadPhaseLayer]*preparedBatch)
	for _, id := range ids {
		b := ps.store.Body(id)
		if !ps.log.assertf(b != nil, "AddBody: %s is not a live body", id) {
			continue
		}
		if !ps.log.assertf(!b.inBroadphase, "AddBody: %s is already in the broadphase", id) {
			continue
		}
		b.broadPhaseLayer = ps.bpLayers.BroadPhaseLayer(b.objectLayer)
		var tight AABB
		b.shape.Aabb(&b.state.pose, &tight, ps.settings.SpeculativeContactDistance)
		b.worldAabb = tight
		batch := byLayer[b.broadPhaseLayer]
		if batch == nil {
			batch = &preparedBatch{}
			byLayer[b.broadPhaseLayer] = batch
		}
		batch.ids = append(batch.ids, id)
		batch.aabbs = append(batch.aabbs, tight)
		batch.layers = append(batch.layers, b.objectLayer)
	}
	for layer, batch := range byLayer {
		tree := ps.trees[layer]
		tree.AddBodiesFinalize(tree.AddBodiesPrepare(batch.ids, batch.aabbs, batch.layers))
		for _, id := range batch.ids {
			ps.store.setInBroadphase(id, true)
		}
	}
	if activate {
		for _, id := range ids {
			if b := ps.store.Body(id); b != nil && b.inBroadphase && !b.IsStatic() {
				ps.store.Activate(id)
			}
		}
	}
	return nil
}

type preparedBatch struct {
	ids    []BodyID
	aabbs  []AABB
	layers []ObjectLayer
}

// RemoveBody takes the body out of the broadphase and the active set;
// the body itself stays alive until DestroyBody.
func (bi *BodyInterface) RemoveBody(id BodyID) error {
	ps := bi.sys
	if err := ps.refuseDuringStep("RemoveBody"); err != nil {
		return err
	}
	b := ps.store.Body(id)
	if !ps.log.assertf(b != nil && b.inBroadphase, "RemoveBody: %s is not in the broadphase", id) {
		return fmt.Errorf("physics: RemoveBody: %s is not in the broadphase", id)
	}
	ps.store.Deactivate(id)
	ps.trees[b.broadPhaseLayer].RemoveBody(id)
	ps.store.setInBroadphase(id, false)
	return nil
}

// DestroyBody frees the body's slot. The body must already be out of
// the broadphase.
func (bi *BodyInterface) DestroyBody(id BodyID) error {
	return bi.sys.store.DestroyBody(id)
}

// ActivateBody wakes a body (application-side wake, e.g. before
// teleporting it).
func (bi *BodyInterface) ActivateBody(id BodyID) {
	bi.sys.store.Activate(id)
	bi.sys.activationListener.OnBodyActivated(id)
}

// DeactivateBody puts a body to sleep immediately.
func (bi *BodyInterface) DeactivateBody(id BodyID) {
	bi.sys.store.Deactivate(id)
	bi.sys.activationListener.OnBodyDeactivated(id)
}

// IsActive reports whether the body is in the active simulation set.
func (bi *BodyInterface) IsActive(id BodyID) bool {
	b := bi.sys.store.Body(id)
	return b != nil && b.activeIndex >= 0
}

// SetPositionAndRotation teleports a body, refreshing its broadphase
// bounds when it is indexed.
func (bi *BodyInterface) SetPositionAndRotation(id BodyID, pos lin.V3, rot lin.Q) {
	ps := bi.sys
	b, unlock := ps.store.BodyLockWrite(id)
	if b == nil {
		return
	}
	defer unlock()
	b.SetPositionAndRotation(pos, rot)
	if b.inBroadphase {
		ps.commitBodyAABB(b)
	}
}

// SetLinearVelocity sets a body's linear velocity and wakes it.
func (bi *BodyInterface) SetLinearVelocity(id BodyID, v lin.V3) {
	b, unlock := bi.sys.store.BodyLockWrite(id)
	if b == nil {
		return
	}
	defer unlock()
	b.SetLinearVelocity(v)
	bi.sys.store.Activate(id)
}

// SetAngularVelocity sets a body's angular velocity and wakes it.
func (bi *BodyInterface) SetAngularVelocity(id BodyID, v lin.V3) {
	b, unlock := bi.sys.store.BodyLockWrite(id)
	if b == nil {
		return
	}
	defer unlock()
	b.SetAngularVelocity(v)
	bi.sys.store.Activate(id)
}

// AddImpulse applies an instantaneous center-of-mass impulse and wakes
// the body.
func (bi *BodyInterface) AddImpulse(id BodyID, imp lin.V3) {
	b, unlock := bi.sys.store.BodyLockWrite(id)
	if b == nil {
		return
	}
	defer unlock()
	b.AddImpulse(imp)
	bi.sys.store.Activate(id)
}

// AddForce accumulates a force applied over the next step and wakes the
// body.
func (bi *BodyInterface) AddForce(id BodyID, f lin.V3) {
	b, unlock := bi.sys.store.BodyLockWrite(id)
	if b == nil {
		return
	}
	defer unlock()
	b.AddForce(f)
	bi.sys.store.Activate(id)
}

// MoveKinematic sets a kinematic body's velocities so that its pose
// reaches the target over the next deltaTime of simulation. A zero or negative deltaTime teleports instead.
func (bi *BodyInterface) MoveKinematic(id BodyID, target lin.V3, targetRot lin.Q, deltaTime float64) {
	if deltaTime <= 0 {
		bi.SetPositionAndRotation(id, target, targetRot)
		return
	}
	b, unlock := bi.sys.store.BodyLockWrite(id)
	if b == nil {
		return
	}
	defer unlock()
	pos := b.Position()
	b.SetLinearVelocity(lin.V3{
		X: (target.X - pos.X) / deltaTime,
		Y: (target.Y - pos.Y) / deltaTime,
		Z: (target.Z - pos.Z) / deltaTime,
	})
	// Angular velocity from the relative rotation's axis-angle.
	cur := b.Rotation()
	var invCur, rel lin.Q
	invCur.Inv(&cur)
	rel.Mult(&targetRot, &invCur)
	ax, ay, az, angle := rel.Aa()
	angle = lin.Nang(angle)
	b.SetAngularVelocity(lin.V3{X: ax * angle / deltaTime, Y: ay * angle / deltaTime, Z: az * angle / deltaTime})
	bi.sys.store.Activate(id)
}

// Position returns a body's world position under a read lock.
func (bi *BodyInterface) Position(id BodyID) (lin.V3, bool) {
	b, unlock := bi.sys.store.BodyLockRead(id)
	if b == nil {
		return lin.V3{}, false
	}
	defer unlock()
	return b.Position(), true
}

func (ps *PhysicsSystem) refuseDuringStep(op string) error {
	if !ps.log.assertf(atomic.LoadInt32(&ps.stepping) == 0, "%s called during Update", op) {
		return fmt.Errorf("physics: %s called while a step is in progress", op)
	}
	return nil
}

// MassProperties describes a rigid body's mass distribution: mass,
// inverse inertia tensor (symmetric, about the center of mass) and the
// center of mass in shape-local space.
type MassProperties struct {
	Mass           float64
	InverseInertia lin.M3
	CenterOfMass   lin.V3
}

// ComputeMassProperties derives mass properties from a shape and a
// target mass. Compound children combine by volume-weighted mass with
// parallel-axis offsets.
func ComputeMassProperties(shape Shape, mass float64) MassProperties {
	mp := MassProperties{Mass: mass}
	if mass <= 0 {
		return mp
	}
	c, isCompound := shape.(*CompoundShape)
	if !isCompound {
		var diag lin.V3
		shape.Inertia(mass, &diag)
		mp.InverseInertia.SetS(
			safeInv(diag.X), 0, 0,
			0, safeInv(diag.Y), 0,
			0, 0, safeInv(diag.Z),
		)
		return mp
	}

	total := c.Volume()
	// Center of mass: volume-weighted child origins.
	for _, ch := range c.Children {
		frac := 1.0 / float64(len(c.Children))
		if total > 0 {
			frac = ch.Shape.Volume() / total
		}
		mp.CenterOfMass.X += ch.Local.Loc.X * frac
		mp.CenterOfMass.Y += ch.Local.Loc.Y * frac
		mp.CenterOfMass.Z += ch.Local.Loc.Z * frac
	}
	// Inertia: child diagonal inertias plus parallel-axis terms about
	// the compound's center of mass.
	var inertia lin.M3
	for _, ch := range c.Children {
		frac := 1.0 / float64(len(c.Children))
		if total > 0 {
			frac = ch.Shape.Volume() / total
		}
		childMass := mass * frac
		var diag lin.V3
		ch.Shape.Inertia(childMass, &diag)
		d := lin.V3{
			X: ch.Local.Loc.X - mp.CenterOfMass.X,
			Y: ch.Local.Loc.Y - mp.CenterOfMass.Y,
			Z: ch.Local.Loc.Z - mp.CenterOfMass.Z,
		}
		dSq := d.LenSqr()
		inertia.Xx += diag.X + childMass*(dSq-d.X*d.X)
		inertia.Yy += diag.Y + childMass*(dSq-d.Y*d.Y)
		inertia.Zz += diag.Z + childMass*(dSq-d.Z*d.Z)
		inertia.Xy += -childMass * d.X * d.Y
		inertia.Yx += -childMass * d.X * d.Y
		inertia.Xz += -childMass * d.X * d.Z
		inertia.Zx += -childMass * d.X * d.Z
		inertia.Yz += -childMass * d.Y * d.Z
		inertia.Zy += -childMass * d.Y * d.Z
	}
	mp.InverseInertia.Inv(&inertia)
	return mp
}
