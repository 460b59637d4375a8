package physics

import (
	"math"

	"github.com/corephys/sim/math/lin"
)

// This file holds the non-contact constraint set: each
// variant factors into one or more axis constraint parts, a single
// Lagrange multiplier along a Jacobian row with a lambda accumulator
// for warm starting and a min/max clamp.
//
// Every joint decomposes into positional and angular rows solved one
// at a time, which keeps each variant a thin layer over the shared
// axisConstraintPart.

// invInertiaWorld applies the body's world-space inverse inertia tensor
// to v: R * diag(invI) * R^T * v.
func (b *Body) invInertiaWorld(v lin.V3) lin.V3 {
	var invRot lin.Q
	invRot.Inv(b.state.pose.Rot)
	var local lin.V3
	local.MultvQ(&v, &invRot)
	local.X *= b.invInertia.X
	local.Y *= b.invInertia.Y
	local.Z *= b.invInertia.Z
	var world lin.V3
	world.MultvQ(&local, b.state.pose.Rot)
	return world
}

// axisConstraintPart is one Jacobian row.
// A linear row couples point velocities through the arms r1/r2; an
// angular row couples angular velocities only.
type axisConstraintPart struct {
	isAngular bool
	axis      lin.V3 // world space, unit.
	r1, r2    lin.V3 // world-space arms from each body's center of mass (linear rows).

	// Precomputed per setup so the iteration loop never recomputes
	// inertia products.
	invI1Term, invI2Term lin.V3 // invI * (r x axis), or invI * axis for angular rows.
	effMass              float64

	bias                 float64
	lambda               float64
	minLambda, maxLambda float64
}

func (p *axisConstraintPart) reset() {
	p.minLambda = math.Inf(-1)
	p.maxLambda = math.Inf(1)
}

// setup computes the row's effective mass for the bodies' current
// poses. A row whose combined inverse mass vanishes (two non-dynamic
// bodies) gets effMass 0 and is skipped by solve.
func (p *axisConstraintPart) setup(b1, b2 *Body) {
	var invMassSum float64
	if p.isAngular {
		p.invI1Term = b1.invInertiaWorld(p.axis)
		p.invI2Term = b2.invInertiaWorld(p.axis)
		invMassSum = p.axis.Dot(&p.invI1Term) + p.axis.Dot(&p.invI2Term)
	} else {
		var c1, c2 lin.V3
		c1.Cross(&p.r1, &p.axis)
		c2.Cross(&p.r2, &p.axis)
		p.invI1Term = b1.invInertiaWorld(c1)
		p.invI2Term = b2.invInertiaWorld(c2)
		var t1, t2 lin.V3
		t1.Cross(&p.invI1Term, &p.r1)
		t2.Cross(&p.invI2Term, &p.r2)
		invMassSum = b1.invMass + b2.invMass + t1.Dot(&p.axis) + t2.Dot(&p.axis)
	}
	if invMassSum <= lin.Epsilon {
		p.effMass = 0
		return
	}
	p.effMass = 1.0 / invMassSum
}

// applyImpulse adjusts both bodies' velocities along the row. Writes
// are skipped for non-dynamic bodies: their contribution is zero
// (inverse mass and inertia are zero) and skipping keeps two islands
// sharing a static body from racing on its velocity fields.
func (p *axisConstraintPart) applyImpulse(b1, b2 *Body, lambda float64) {
	if b1.IsDynamic() {
		if !p.isAngular {
			b1.state.linearVelocity.X -= p.axis.X * lambda * b1.invMass
			b1.state.linearVelocity.Y -= p.axis.Y * lambda * b1.invMass
			b1.state.linearVelocity.Z -= p.axis.Z * lambda * b1.invMass
		}
		b1.state.angularVelocity.X -= p.invI1Term.X * lambda
		b1.state.angularVelocity.Y -= p.invI1Term.Y * lambda
		b1.state.angularVelocity.Z -= p.invI1Term.Z * lambda
	}
	if b2.IsDynamic() {
		if !p.isAngular {
			b2.state.linearVelocity.X += p.axis.X * lambda * b2.invMass
			b2.state.linearVelocity.Y += p.axis.Y * lambda * b2.invMass
			b2.state.linearVelocity.Z += p.axis.Z * lambda * b2.invMass
		}
		b2.state.angularVelocity.X += p.invI2Term.X * lambda
		b2.state.angularVelocity.Y += p.invI2Term.Y * lambda
		b2.state.angularVelocity.Z += p.invI2Term.Z * lambda
	}
}

// relativeVelocity is J*v for this row.
func (p *axisConstraintPart) relativeVelocity(b1, b2 *Body) float64 {
	if p.isAngular {
		d := lin.V3{
			X: b2.state.angularVelocity.X - b1.state.angularVelocity.X,
			Y: b2.state.angularVelocity.Y - b1.state.angularVelocity.Y,
			Z: b2.state.angularVelocity.Z - b1.state.angularVelocity.Z,
		}
		return p.axis.Dot(&d)
	}
	var w1r1, w2r2 lin.V3
	w1r1.Cross(&b1.state.angularVelocity, &p.r1)
	w2r2.Cross(&b2.state.angularVelocity, &p.r2)
	d := lin.V3{
		X: b2.state.linearVelocity.X + w2r2.X - b1.state.linearVelocity.X - w1r1.X,
		Y: b2.state.linearVelocity.Y + w2r2.Y - b1.state.linearVelocity.Y - w1r1.Y,
		Z: b2.state.linearVelocity.Z + w2r2.Z - b1.state.linearVelocity.Z - w1r1.Z,
	}
	return p.axis.Dot(&d)
}

func (p *axisConstraintPart) warmStart(b1, b2 *Body, ratio float64) {
	if p.effMass == 0 {
		p.lambda = 0
		return
	}
	p.lambda *= ratio
	if p.lambda != 0 {
		p.applyImpulse(b1, b2, p.lambda)
	}
}

// solve runs one sequential-impulse iteration on the row, clamping the
// accumulated lambda, and reports whether the impulse applied this
// iteration was significant, the solver's early-exit signal.
func (p *axisConstraintPart) solve(b1, b2 *Body) bool {
	if p.effMass == 0 {
		return false
	}
	jv := p.relativeVelocity(b1, b2)
	deltaLambda := -p.effMass * (jv + p.bias)
	old := p.lambda
	p.lambda = lin.Clamp(old+deltaLambda, p.minLambda, p.maxLambda)
	applied := p.lambda - old
	if math.Abs(applied) < 1e-9 {
		return false
	}
	p.applyImpulse(b1, b2, applied)
	return true
}

// Constraint is a polymorphic articulation link between two bodies. Contact constraints implement a parallel path in
// contactconstraint.go; everything here is the application-visible
// joint set.
type Constraint interface {
	// Bodies returns the constrained pair. Single-body joints anchor to
	// a static world body the application created for the purpose.
	Bodies() (BodyID, BodyID)

	Enabled() bool
	SetEnabled(bool)

	// setup recomputes the Jacobian rows and effective masses for the
	// bodies' current poses at the start of a sub-step.
	setup(b1, b2 *Body, dt float64)
	// warmStart applies last step's lambdas scaled by the dt ratio.
	warmStart(b1, b2 *Body, ratio float64)
	// solveVelocity runs one velocity iteration, reporting whether any
	// lambda changed significantly.
	solveVelocity(b1, b2 *Body, dt float64) bool
	// solvePosition applies one pseudo-Baumgarte position correction,
	// reporting whether it moved anything.
	solvePosition(b1, b2 *Body, baumgarte float64) bool

	// lambdas exposes the accumulators for state save/restore.
	lambdas() []float64
	setLambdas(v []float64)
}

// twoBodyConstraint carries what every joint variant shares.
type twoBodyConstraint struct {
	body1, body2 BodyID
	enabled      bool
}

func (c *twoBodyConstraint) Bodies() (BodyID, BodyID) { return c.body1, c.body2 }
func (c *twoBodyConstraint) Enabled() bool            { return c.enabled }
func (c *twoBodyConstraint) SetEnabled(v bool)        { c.enabled = v }

func partLambdas(parts []axisConstraintPart) []float64 {
	out := make([]float64, len(parts))
	for i := range parts {
		out[i] = parts[i].lambda
	}
	return out
}

func setPartLambdas(parts []axisConstraintPart, v []float64) {
	for i := range parts {
		if i < len(v) {
			parts[i].lambda = v[i]
		}
	}
}

// worldAnchor returns the body-local anchor in world space and the arm
// from the center of mass.
func worldAnchor(b *Body, local lin.V3) (point, arm lin.V3) {
	px, py, pz := b.state.pose.AppS(local.X, local.Y, local.Z)
	point = lin.V3{X: px, Y: py, Z: pz}
	arm = lin.V3{X: px - b.state.pose.Loc.X, Y: py - b.state.pose.Loc.Y, Z: pz - b.state.pose.Loc.Z}
	return point, arm
}

// correctPositions translates both bodies along axis by a weighted
// share of err (a position-level impulse applied without
// touching velocities).
func correctPositions(b1, b2 *Body, axis lin.V3, err float64) bool {
	total := b1.invMass + b2.invMass
	if total <= lin.Epsilon || math.Abs(err) < 1e-10 {
		return false
	}
	s1 := err * b1.invMass / total
	s2 := err * b2.invMass / total
	b1.state.pose.Loc.X += axis.X * s1
	b1.state.pose.Loc.Y += axis.Y * s1
	b1.state.pose.Loc.Z += axis.Z * s1
	b2.state.pose.Loc.X -= axis.X * s2
	b2.state.pose.Loc.Y -= axis.Y * s2
	b2.state.pose.Loc.Z -= axis.Z * s2
	return true
}

// ---- point ----

// PointConstraint pins a local-space anchor on each body to the same
// world-space location: 3 linear rows, one per world axis.
type PointConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3

	parts [3]axisConstraintPart
	err   lin.V3 // anchor2 - anchor1 at setup time, for the position pass.
}

// NewPointConstraint joints body1 and body2 so their local anchors
// coincide. The anchors are usually derived from one world point at
// creation time via each body's inverse pose.
func NewPointConstraint(body1, body2 BodyID, localAnchor1, localAnchor2 lin.V3) *PointConstraint {
	return &PointConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
	}
}

func (c *PointConstraint) setup(b1, b2 *Body, dt float64) {
	p1, r1 := worldAnchor(b1, c.LocalAnchor1)
	p2, r2 := worldAnchor(b2, c.LocalAnchor2)
	c.err = lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	axes := [3]lin.V3{{X: 1}, {Y: 1}, {Z: 1}}
	for i := range c.parts {
		p := &c.parts[i]
		p.reset()
		p.isAngular = false
		p.axis = axes[i]
		p.r1, p.r2 = r1, r2
		p.setup(b1, b2)
	}
}

func (c *PointConstraint) warmStart(b1, b2 *Body, ratio float64) {
	for i := range c.parts {
		c.parts[i].warmStart(b1, b2, ratio)
	}
}

func (c *PointConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := false
	for i := range c.parts {
		changed = c.parts[i].solve(b1, b2) || changed
	}
	return changed
}

func (c *PointConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	p1, _ := worldAnchor(b1, c.LocalAnchor1)
	p2, _ := worldAnchor(b2, c.LocalAnchor2)
	err := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	d := err.Len()
	if d < 1e-10 {
		return false
	}
	axis := lin.V3{X: err.X / d, Y: err.Y / d, Z: err.Z / d}
	return correctPositions(b1, b2, axis, baumgarte*d)
}

func (c *PointConstraint) lambdas() []float64     { return partLambdas(c.parts[:]) }
func (c *PointConstraint) setLambdas(v []float64) { setPartLambdas(c.parts[:], v) }

// ---- distance ----

// DistanceConstraint keeps the distance between two local anchors
// inside [MinDistance, MaxDistance]: 1 linear row along the current
// anchor delta, clamped to one side when only one bound is violated.
type DistanceConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	MinDistance, MaxDistance   float64

	part     axisConstraintPart
	distance float64
}

// NewDistanceConstraint joints the anchors at a fixed distance when
// min == max, or inside a band otherwise.
func NewDistanceConstraint(body1, body2 BodyID, localAnchor1, localAnchor2 lin.V3, min, max float64) *DistanceConstraint {
	return &DistanceConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		MinDistance:       min,
		MaxDistance:       max,
	}
}

func (c *DistanceConstraint) setup(b1, b2 *Body, dt float64) {
	p1, r1 := worldAnchor(b1, c.LocalAnchor1)
	p2, r2 := worldAnchor(b2, c.LocalAnchor2)
	delta := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	c.distance = delta.Len()
	p := &c.part
	p.reset()
	p.isAngular = false
	if c.distance > lin.Epsilon {
		p.axis = lin.V3{X: delta.X / c.distance, Y: delta.Y / c.distance, Z: delta.Z / c.distance}
	} else {
		p.axis = lin.V3{Y: 1}
	}
	p.r1, p.r2 = r1, r2
	// One-sided bands: below min the row may only push apart (positive
	// lambda moves body 2 out along the axis), above max only pull
	// together.
	switch {
	case c.distance < c.MinDistance:
		p.minLambda = 0
		p.maxLambda = math.Inf(1)
	case c.distance > c.MaxDistance:
		p.minLambda = math.Inf(-1)
		p.maxLambda = 0
	default:
		p.effMass = 0
		return
	}
	p.setup(b1, b2)
}

func (c *DistanceConstraint) warmStart(b1, b2 *Body, ratio float64) { c.part.warmStart(b1, b2, ratio) }
func (c *DistanceConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	return c.part.solve(b1, b2)
}

func (c *DistanceConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	p1, _ := worldAnchor(b1, c.LocalAnchor1)
	p2, _ := worldAnchor(b2, c.LocalAnchor2)
	delta := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	d := delta.Len()
	if d < lin.Epsilon {
		return false
	}
	var err float64
	if d < c.MinDistance {
		err = d - c.MinDistance
	} else if d > c.MaxDistance {
		err = d - c.MaxDistance
	} else {
		return false
	}
	axis := lin.V3{X: delta.X / d, Y: delta.Y / d, Z: delta.Z / d}
	return correctPositions(b1, b2, axis, baumgarte*err)
}

func (c *DistanceConstraint) lambdas() []float64 { return []float64{c.part.lambda} }
func (c *DistanceConstraint) setLambdas(v []float64) {
	if len(v) > 0 {
		c.part.lambda = v[0]
	}
}

// ---- fixed ----

// FixedConstraint welds two bodies: 3 linear rows pinning the anchors
// plus 3 angular rows pinning the relative orientation.
type FixedConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	// RelativeRotation is body2's orientation in body1 space at the
	// moment the weld was formed.
	RelativeRotation lin.Q

	point   PointConstraint
	angular [3]axisConstraintPart
}

// NewFixedConstraint welds the bodies in their current relative pose;
// relRot should be inv(rot1) * rot2 at creation time.
func NewFixedConstraint(body1, body2 BodyID, localAnchor1, localAnchor2 lin.V3, relRot lin.Q) *FixedConstraint {
	c := &FixedConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		RelativeRotation:  relRot,
	}
	c.point = *NewPointConstraint(body1, body2, localAnchor1, localAnchor2)
	return c
}

func (c *FixedConstraint) setup(b1, b2 *Body, dt float64) {
	c.point.setup(b1, b2, dt)
	axes := [3]lin.V3{{X: 1}, {Y: 1}, {Z: 1}}
	for i := range c.angular {
		p := &c.angular[i]
		p.reset()
		p.isAngular = true
		p.axis = axes[i]
		p.setup(b1, b2)
	}
}

func (c *FixedConstraint) warmStart(b1, b2 *Body, ratio float64) {
	c.point.warmStart(b1, b2, ratio)
	for i := range c.angular {
		c.angular[i].warmStart(b1, b2, ratio)
	}
}

func (c *FixedConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := c.point.solveVelocity(b1, b2, dt)
	for i := range c.angular {
		changed = c.angular[i].solve(b1, b2) || changed
	}
	return changed
}

func (c *FixedConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	return c.point.solvePosition(b1, b2, baumgarte)
}

func (c *FixedConstraint) lambdas() []float64 {
	return append(c.point.lambdas(), partLambdas(c.angular[:])...)
}

func (c *FixedConstraint) setLambdas(v []float64) {
	c.point.setLambdas(v)
	if len(v) > 3 {
		setPartLambdas(c.angular[:], v[3:])
	}
}

// ---- hinge ----

// HingeConstraint pins the anchors together and restricts rotation to
// one shared axis: 3 linear rows + 2 angular rows perpendicular to the
// hinge axis, plus an optional limit row when [MinAngle, MaxAngle] is
// narrower than a full turn.
type HingeConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	LocalAxis1, LocalAxis2     lin.V3 // hinge axis in each body's space, unit.
	MinAngle, MaxAngle         float64

	point PointConstraint
	perp  [2]axisConstraintPart
	limit axisConstraintPart

	hasLimit bool
}

// NewHingeConstraint joints the bodies around a shared axis. Pass
// minAngle <= -Pi and maxAngle >= Pi for an unlimited hinge.
func NewHingeConstraint(body1, body2 BodyID, localAnchor1, localAnchor2, localAxis1, localAxis2 lin.V3, minAngle, maxAngle float64) *HingeConstraint {
	c := &HingeConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		LocalAxis1:        localAxis1,
		LocalAxis2:        localAxis2,
		MinAngle:          minAngle,
		MaxAngle:          maxAngle,
	}
	c.hasLimit = minAngle > -math.Pi || maxAngle < math.Pi
	c.point = *NewPointConstraint(body1, body2, localAnchor1, localAnchor2)
	return c
}

func (c *HingeConstraint) worldAxes(b1, b2 *Body) (a1, a2 lin.V3) {
	a1.MultvQ(&c.LocalAxis1, b1.state.pose.Rot)
	a2.MultvQ(&c.LocalAxis2, b2.state.pose.Rot)
	return a1, a2
}

func (c *HingeConstraint) setup(b1, b2 *Body, dt float64) {
	c.point.setup(b1, b2, dt)
	a1, _ := c.worldAxes(b1, b2)
	u, v := perpendicularBasis(a1)
	for i, axis := range [2]lin.V3{u, v} {
		p := &c.perp[i]
		p.reset()
		p.isAngular = true
		p.axis = axis
		p.setup(b1, b2)
	}
	if c.hasLimit {
		angle := c.currentAngle(b1, b2)
		p := &c.limit
		p.reset()
		p.isAngular = true
		p.axis = a1
		switch {
		case angle <= c.MinAngle:
			p.minLambda = 0
			p.maxLambda = math.Inf(1)
			p.setup(b1, b2)
		case angle >= c.MaxAngle:
			p.minLambda = math.Inf(-1)
			p.maxLambda = 0
			p.setup(b1, b2)
		default:
			p.effMass = 0
		}
	}
}

// currentAngle measures the rotation about the hinge axis using a
// reference perpendicular carried by each body.
func (c *HingeConstraint) currentAngle(b1, b2 *Body) float64 {
	u1, _ := perpendicularBasis(c.LocalAxis1)
	var w1, w2, axis lin.V3
	w1.MultvQ(&u1, b1.state.pose.Rot)
	u2, _ := perpendicularBasis(c.LocalAxis2)
	w2.MultvQ(&u2, b2.state.pose.Rot)
	axis.MultvQ(&c.LocalAxis1, b1.state.pose.Rot)
	var crossV lin.V3
	crossV.Cross(&w1, &w2)
	return math.Atan2(crossV.Dot(&axis), w1.Dot(&w2))
}

func (c *HingeConstraint) warmStart(b1, b2 *Body, ratio float64) {
	c.point.warmStart(b1, b2, ratio)
	for i := range c.perp {
		c.perp[i].warmStart(b1, b2, ratio)
	}
	if c.hasLimit {
		c.limit.warmStart(b1, b2, ratio)
	}
}

func (c *HingeConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := c.point.solveVelocity(b1, b2, dt)
	for i := range c.perp {
		changed = c.perp[i].solve(b1, b2) || changed
	}
	if c.hasLimit {
		changed = c.limit.solve(b1, b2) || changed
	}
	return changed
}

func (c *HingeConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	return c.point.solvePosition(b1, b2, baumgarte)
}

func (c *HingeConstraint) lambdas() []float64 {
	out := c.point.lambdas()
	out = append(out, partLambdas(c.perp[:])...)
	return append(out, c.limit.lambda)
}

func (c *HingeConstraint) setLambdas(v []float64) {
	c.point.setLambdas(v)
	if len(v) > 3 {
		setPartLambdas(c.perp[:], v[3:])
	}
	if len(v) > 5 {
		c.limit.lambda = v[5]
	}
}

// perpendicularBasis returns two unit vectors perpendicular to n and to
// each other.
func perpendicularBasis(n lin.V3) (u, v lin.V3) {
	if math.Abs(n.X) > 0.57735 {
		u = lin.V3{X: n.Y, Y: -n.X, Z: 0}
	} else {
		u = lin.V3{X: 0, Y: n.Z, Z: -n.Y}
	}
	u.Unit()
	v.Cross(&n, &u)
	return u, v
}

// ---- slider ----

// SliderConstraint allows translation along one shared axis only: 2
// linear rows perpendicular to the axis, 3 angular rows locking
// rotation, and a limit row along the axis when the travel band is
// bounded.
type SliderConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	LocalAxis1                 lin.V3 // slide axis in body1 space, unit.
	MinTravel, MaxTravel       float64

	perp    [2]axisConstraintPart
	angular [3]axisConstraintPart
	limit   axisConstraintPart
}

// NewSliderConstraint joints the bodies so body2 may only translate
// along axis1 relative to body1, within [minTravel, maxTravel].
func NewSliderConstraint(body1, body2 BodyID, localAnchor1, localAnchor2, localAxis1 lin.V3, minTravel, maxTravel float64) *SliderConstraint {
	return &SliderConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		LocalAxis1:        localAxis1,
		MinTravel:         minTravel,
		MaxTravel:         maxTravel,
	}
}

func (c *SliderConstraint) setup(b1, b2 *Body, dt float64) {
	p1, r1 := worldAnchor(b1, c.LocalAnchor1)
	p2, r2 := worldAnchor(b2, c.LocalAnchor2)
	var axis lin.V3
	axis.MultvQ(&c.LocalAxis1, b1.state.pose.Rot)
	u, v := perpendicularBasis(axis)
	for i, a := range [2]lin.V3{u, v} {
		p := &c.perp[i]
		p.reset()
		p.isAngular = false
		p.axis = a
		p.r1, p.r2 = r1, r2
		p.setup(b1, b2)
	}
	axes := [3]lin.V3{{X: 1}, {Y: 1}, {Z: 1}}
	for i := range c.angular {
		p := &c.angular[i]
		p.reset()
		p.isAngular = true
		p.axis = axes[i]
		p.setup(b1, b2)
	}
	delta := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	travel := delta.Dot(&axis)
	p := &c.limit
	p.reset()
	p.isAngular = false
	p.axis = axis
	p.r1, p.r2 = r1, r2
	switch {
	case travel <= c.MinTravel:
		p.minLambda = 0
		p.maxLambda = math.Inf(1)
		p.setup(b1, b2)
	case travel >= c.MaxTravel:
		p.minLambda = math.Inf(-1)
		p.maxLambda = 0
		p.setup(b1, b2)
	default:
		p.effMass = 0
	}
}

func (c *SliderConstraint) warmStart(b1, b2 *Body, ratio float64) {
	for i := range c.perp {
		c.perp[i].warmStart(b1, b2, ratio)
	}
	for i := range c.angular {
		c.angular[i].warmStart(b1, b2, ratio)
	}
	c.limit.warmStart(b1, b2, ratio)
}

func (c *SliderConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := false
	for i := range c.perp {
		changed = c.perp[i].solve(b1, b2) || changed
	}
	for i := range c.angular {
		changed = c.angular[i].solve(b1, b2) || changed
	}
	changed = c.limit.solve(b1, b2) || changed
	return changed
}

func (c *SliderConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	p1, _ := worldAnchor(b1, c.LocalAnchor1)
	p2, _ := worldAnchor(b2, c.LocalAnchor2)
	var axis lin.V3
	axis.MultvQ(&c.LocalAxis1, b1.state.pose.Rot)
	delta := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	along := delta.Dot(&axis)
	offAxis := lin.V3{X: delta.X - axis.X*along, Y: delta.Y - axis.Y*along, Z: delta.Z - axis.Z*along}
	d := offAxis.Len()
	if d < 1e-10 {
		return false
	}
	dir := lin.V3{X: offAxis.X / d, Y: offAxis.Y / d, Z: offAxis.Z / d}
	return correctPositions(b1, b2, dir, baumgarte*d)
}

func (c *SliderConstraint) lambdas() []float64 {
	out := partLambdas(c.perp[:])
	out = append(out, partLambdas(c.angular[:])...)
	return append(out, c.limit.lambda)
}

func (c *SliderConstraint) setLambdas(v []float64) {
	setPartLambdas(c.perp[:], v)
	if len(v) > 2 {
		setPartLambdas(c.angular[:], v[2:])
	}
	if len(v) > 5 {
		c.limit.lambda = v[5]
	}
}

// ---- cone ----

// ConeConstraint pins the anchors and keeps the angle between the two
// body twist axes inside a half-angle cone: 3 linear rows + 1 angular
// inequality row.
type ConeConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	LocalTwist1, LocalTwist2   lin.V3 // twist axis in each body's space, unit.
	HalfAngle                  float64

	point PointConstraint
	cone  axisConstraintPart
}

// NewConeConstraint joints the bodies at the anchors and limits the
// swing between their twist axes to halfAngle radians.
func NewConeConstraint(body1, body2 BodyID, localAnchor1, localAnchor2, localTwist1, localTwist2 lin.V3, halfAngle float64) *ConeConstraint {
	c := &ConeConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		LocalTwist1:       localTwist1,
		LocalTwist2:       localTwist2,
		HalfAngle:         halfAngle,
	}
	c.point = *NewPointConstraint(body1, body2, localAnchor1, localAnchor2)
	return c
}

func (c *ConeConstraint) setup(b1, b2 *Body, dt float64) {
	c.point.setup(b1, b2, dt)
	var t1, t2 lin.V3
	t1.MultvQ(&c.LocalTwist1, b1.state.pose.Rot)
	t2.MultvQ(&c.LocalTwist2, b2.state.pose.Rot)
	cosAngle := t1.Dot(&t2)
	p := &c.cone
	p.reset()
	p.isAngular = true
	if cosAngle >= math.Cos(c.HalfAngle) {
		p.effMass = 0
		return
	}
	// The correcting torque acts about the axis perpendicular to both
	// twist axes, pushing t2 back toward the cone.
	var axis lin.V3
	axis.Cross(&t1, &t2)
	if axis.LenSqr() < lin.Epsilon {
		p.effMass = 0
		return
	}
	axis.Unit()
	p.axis = axis
	p.minLambda = math.Inf(-1)
	p.maxLambda = 0
	p.setup(b1, b2)
}

func (c *ConeConstraint) warmStart(b1, b2 *Body, ratio float64) {
	c.point.warmStart(b1, b2, ratio)
	c.cone.warmStart(b1, b2, ratio)
}

func (c *ConeConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := c.point.solveVelocity(b1, b2, dt)
	return c.cone.solve(b1, b2) || changed
}

func (c *ConeConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	return c.point.solvePosition(b1, b2, baumgarte)
}

func (c *ConeConstraint) lambdas() []float64 {
	return append(c.point.lambdas(), c.cone.lambda)
}

func (c *ConeConstraint) setLambdas(v []float64) {
	c.point.setLambdas(v)
	if len(v) > 3 {
		c.cone.lambda = v[3]
	}
}

// ---- swing-twist ----

// SwingTwistConstraint pins the anchors, limits the swing of body2's
// twist axis inside a cone, and limits the twist about that axis to a
// band — the ragdoll shoulder joint.
type SwingTwistConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	LocalTwist1, LocalTwist2   lin.V3
	SwingHalfAngle             float64
	MinTwist, MaxTwist         float64

	cone  ConeConstraint
	twist axisConstraintPart
}

// NewSwingTwistConstraint builds the joint; swing limits the cone
// half-angle, [minTwist, maxTwist] limits rotation about the twist axis.
func NewSwingTwistConstraint(body1, body2 BodyID, localAnchor1, localAnchor2, localTwist1, localTwist2 lin.V3, swingHalfAngle, minTwist, maxTwist float64) *SwingTwistConstraint {
	c := &SwingTwistConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		LocalTwist1:       localTwist1,
		LocalTwist2:       localTwist2,
		SwingHalfAngle:    swingHalfAngle,
		MinTwist:          minTwist,
		MaxTwist:          maxTwist,
	}
	c.cone = *NewConeConstraint(body1, body2, localAnchor1, localAnchor2, localTwist1, localTwist2, swingHalfAngle)
	return c
}

// twistAngle decomposes the relative rotation into twist about t1.
func (c *SwingTwistConstraint) twistAngle(b1, b2 *Body) (float64, lin.V3) {
	var invRot1, rel lin.Q
	invRot1.Inv(b1.state.pose.Rot)
	rel.Mult(&invRot1, b2.state.pose.Rot)
	// Project the relative rotation onto the twist axis (swing-twist
	// decomposition: twist = normalize(dot-projected quaternion)).
	proj := c.LocalTwist1.X*rel.X + c.LocalTwist1.Y*rel.Y + c.LocalTwist1.Z*rel.Z
	twist := lin.Q{X: c.LocalTwist1.X * proj, Y: c.LocalTwist1.Y * proj, Z: c.LocalTwist1.Z * proj, W: rel.W}
	if twist.Len() < lin.Epsilon {
		var axis lin.V3
		axis.MultvQ(&c.LocalTwist1, b1.state.pose.Rot)
		return 0, axis
	}
	twist.Unit()
	angle := 2 * math.Atan2(proj, twist.W)
	var axis lin.V3
	axis.MultvQ(&c.LocalTwist1, b1.state.pose.Rot)
	return lin.Nang(angle), axis
}

func (c *SwingTwistConstraint) setup(b1, b2 *Body, dt float64) {
	c.cone.setup(b1, b2, dt)
	angle, axis := c.twistAngle(b1, b2)
	p := &c.twist
	p.reset()
	p.isAngular = true
	p.axis = axis
	switch {
	case angle <= c.MinTwist:
		p.minLambda = 0
		p.maxLambda = math.Inf(1)
		p.setup(b1, b2)
	case angle >= c.MaxTwist:
		p.minLambda = math.Inf(-1)
		p.maxLambda = 0
		p.setup(b1, b2)
	default:
		p.effMass = 0
	}
}

func (c *SwingTwistConstraint) warmStart(b1, b2 *Body, ratio float64) {
	c.cone.warmStart(b1, b2, ratio)
	c.twist.warmStart(b1, b2, ratio)
}

func (c *SwingTwistConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := c.cone.solveVelocity(b1, b2, dt)
	return c.twist.solve(b1, b2) || changed
}

func (c *SwingTwistConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	return c.cone.solvePosition(b1, b2, baumgarte)
}

func (c *SwingTwistConstraint) lambdas() []float64 {
	return append(c.cone.lambdas(), c.twist.lambda)
}

func (c *SwingTwistConstraint) setLambdas(v []float64) {
	c.cone.setLambdas(v)
	if len(v) > 4 {
		c.twist.lambda = v[4]
	}
}

// ---- six-DOF ----

// DOFMode selects how one of the six degrees of freedom is treated.
type DOFMode uint8

const (
	DOFFree DOFMode = iota
	DOFLocked
	DOFLimited
)

// DOFSetting configures one degree of freedom of a SixDOFConstraint.
type DOFSetting struct {
	Mode     DOFMode
	Min, Max float64 // only for DOFLimited.
}

// SixDOFConstraint is the fully configurable joint: each of the 3
// translation and 3 rotation axes (in body1 space) is independently
// free, locked, or limited. Every non-free axis becomes one axis
// constraint part.
type SixDOFConstraint struct {
	twoBodyConstraint
	LocalAnchor1, LocalAnchor2 lin.V3
	Translation                [3]DOFSetting
	Rotation                   [3]DOFSetting

	parts [6]axisConstraintPart
}

// NewSixDOFConstraint builds the joint from per-axis settings.
func NewSixDOFConstraint(body1, body2 BodyID, localAnchor1, localAnchor2 lin.V3, translation, rotation [3]DOFSetting) *SixDOFConstraint {
	return &SixDOFConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor1:      localAnchor1,
		LocalAnchor2:      localAnchor2,
		Translation:       translation,
		Rotation:          rotation,
	}
}

func (c *SixDOFConstraint) setup(b1, b2 *Body, dt float64) {
	p1, r1 := worldAnchor(b1, c.LocalAnchor1)
	p2, r2 := worldAnchor(b2, c.LocalAnchor2)
	delta := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	var m lin.M3
	m.SetQ(b1.state.pose.Rot)
	axes := [3]lin.V3{{X: m.Xx, Y: m.Yx, Z: m.Zx}, {X: m.Xy, Y: m.Yy, Z: m.Zy}, {X: m.Xz, Y: m.Yz, Z: m.Zz}}

	for i := 0; i < 3; i++ {
		p := &c.parts[i]
		p.reset()
		p.isAngular = false
		p.axis = axes[i]
		p.r1, p.r2 = r1, r2
		if !setupDOFRow(p, c.Translation[i], delta.Dot(&axes[i])) {
			continue
		}
		p.setup(b1, b2)
	}

	var invRot1, rel lin.Q
	invRot1.Inv(b1.state.pose.Rot)
	rel.Mult(&invRot1, b2.state.pose.Rot)
	relAngles := eulerApprox(rel)
	for i := 0; i < 3; i++ {
		p := &c.parts[3+i]
		p.reset()
		p.isAngular = true
		p.axis = axes[i]
		if !setupDOFRow(p, c.Rotation[i], relAngles[i]) {
			continue
		}
		p.setup(b1, b2)
	}
}

// setupDOFRow applies a DOFSetting's clamp to a row given the current
// coordinate value; returns false when the row should stay inactive.
func setupDOFRow(p *axisConstraintPart, s DOFSetting, value float64) bool {
	switch s.Mode {
	case DOFFree:
		p.effMass = 0
		return false
	case DOFLocked:
		return true
	default: // DOFLimited
		switch {
		case value <= s.Min:
			p.minLambda = 0
			p.maxLambda = math.Inf(1)
			return true
		case value >= s.Max:
			p.minLambda = math.Inf(-1)
			p.maxLambda = 0
			return true
		}
		p.effMass = 0
		return false
	}
}

// eulerApprox extracts small-angle xyz rotations from a near-identity
// quaternion; adequate for limit checks since limited rotation axes
// stay near their rest pose by construction.
func eulerApprox(q lin.Q) [3]float64 {
	s := 2.0
	if q.W < 0 {
		s = -2.0
	}
	return [3]float64{s * q.X, s * q.Y, s * q.Z}
}

func (c *SixDOFConstraint) warmStart(b1, b2 *Body, ratio float64) {
	for i := range c.parts {
		c.parts[i].warmStart(b1, b2, ratio)
	}
}

func (c *SixDOFConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := false
	for i := range c.parts {
		changed = c.parts[i].solve(b1, b2) || changed
	}
	return changed
}

func (c *SixDOFConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	// Only fully locked translations get position-level correction; the
	// limited bands are soft and converge through velocity solving.
	if c.Translation[0].Mode != DOFLocked || c.Translation[1].Mode != DOFLocked || c.Translation[2].Mode != DOFLocked {
		return false
	}
	p1, _ := worldAnchor(b1, c.LocalAnchor1)
	p2, _ := worldAnchor(b2, c.LocalAnchor2)
	err := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
	d := err.Len()
	if d < 1e-10 {
		return false
	}
	axis := lin.V3{X: err.X / d, Y: err.Y / d, Z: err.Z / d}
	return correctPositions(b1, b2, axis, baumgarte*d)
}

func (c *SixDOFConstraint) lambdas() []float64     { return partLambdas(c.parts[:]) }
func (c *SixDOFConstraint) setLambdas(v []float64) { setPartLambdas(c.parts[:], v) }

// ---- path ----

// PathConstraint constrains body2's anchor to a closed or open
// piecewise-linear path defined in body1's local space: 2 linear rows
// perpendicular to the local path tangent at the closest path point,
// leaving motion along the path free.
type PathConstraint struct {
	twoBodyConstraint
	LocalAnchor2 lin.V3
	PathPoints   []lin.V3 // body1 local space; at least 2.
	Closed       bool

	parts [2]axisConstraintPart
}

// NewPathConstraint joints body2's anchor onto a path fixed to body1.
func NewPathConstraint(body1, body2 BodyID, localAnchor2 lin.V3, pathPoints []lin.V3, closed bool) *PathConstraint {
	return &PathConstraint{
		twoBodyConstraint: twoBodyConstraint{body1: body1, body2: body2, enabled: true},
		LocalAnchor2:      localAnchor2,
		PathPoints:        pathPoints,
		Closed:            closed,
	}
}

// closestOnPath finds the closest point and segment tangent on the path
// to p, all in body1 local space.
func (c *PathConstraint) closestOnPath(p lin.V3) (closest, tangent lin.V3) {
	bestDistSq := math.Inf(1)
	n := len(c.PathPoints)
	segs := n - 1
	if c.Closed {
		segs = n
	}
	for i := 0; i < segs; i++ {
		a := c.PathPoints[i]
		b := c.PathPoints[(i+1)%n]
		seg := lin.V3{X: b.X - a.X, Y: b.Y - a.Y, Z: b.Z - a.Z}
		lenSq := seg.LenSqr()
		t := 0.0
		if lenSq > lin.Epsilon {
			ap := lin.V3{X: p.X - a.X, Y: p.Y - a.Y, Z: p.Z - a.Z}
			t = lin.Clamp(ap.Dot(&seg)/lenSq, 0, 1)
		}
		cand := lin.V3{X: a.X + seg.X*t, Y: a.Y + seg.Y*t, Z: a.Z + seg.Z*t}
		dx, dy, dz := p.X-cand.X, p.Y-cand.Y, p.Z-cand.Z
		if d := dx*dx + dy*dy + dz*dz; d < bestDistSq {
			bestDistSq = d
			closest = cand
			tangent = seg
		}
	}
	if tangent.LenSqr() > lin.Epsilon {
		tangent.Unit()
	} else {
		tangent = lin.V3{X: 1}
	}
	return closest, tangent
}

func (c *PathConstraint) setup(b1, b2 *Body, dt float64) {
	if len(c.PathPoints) < 2 {
		for i := range c.parts {
			c.parts[i].effMass = 0
		}
		return
	}
	p2, r2 := worldAnchor(b2, c.LocalAnchor2)
	local := p2
	b1.state.pose.Inv(&local)
	closestLocal, tangentLocal := c.closestOnPath(local)
	closest, r1 := worldAnchor(b1, closestLocal)
	_ = closest
	var tangent lin.V3
	tangent.MultvQ(&tangentLocal, b1.state.pose.Rot)
	u, v := perpendicularBasis(tangent)
	for i, a := range [2]lin.V3{u, v} {
		p := &c.parts[i]
		p.reset()
		p.isAngular = false
		p.axis = a
		p.r1, p.r2 = r1, r2
		p.setup(b1, b2)
	}
}

func (c *PathConstraint) warmStart(b1, b2 *Body, ratio float64) {
	for i := range c.parts {
		c.parts[i].warmStart(b1, b2, ratio)
	}
}

func (c *PathConstraint) solveVelocity(b1, b2 *Body, dt float64) bool {
	changed := false
	for i := range c.parts {
		changed = c.parts[i].solve(b1, b2) || changed
	}
	return changed
}

func (c *PathConstraint) solvePosition(b1, b2 *Body, baumgarte float64) bool {
	if len(c.PathPoints) < 2 {
		return false
	}
	p2, _ := worldAnchor(b2, c.LocalAnchor2)
	local := p2
	b1.state.pose.Inv(&local)
	closestLocal, _ := c.closestOnPath(local)
	closest, _ := worldAnchor(b1, closestLocal)
	err := lin.V3{X: p2.X - closest.X, Y: p2.Y - closest.Y, Z: p2.Z - closest.Z}
	d := err.Len()
	if d < 1e-10 {
		return false
	}
	axis := lin.V3{X: err.X / d, Y: err.Y / d, Z: err.Z / d}
	return correctPositions(b1, b2, axis, baumgarte*d)
}

func (c *PathConstraint) lambdas() []float64     { return partLambdas(c.parts[:]) }
func (c *PathConstraint) setLambdas(v []float64) { setPartLambdas(c.parts[:], v) }
