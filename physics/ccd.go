package physics

import (
	"math"
	"sort"

	"github.com/corephys/sim/math/lin"
)

// ccdBody is the per-sub-step record for a linear-cast body whose
// predicted translation exceeded the linear-cast threshold. Its position update was deferred; FindCCDContacts decides
// how far it may actually travel.
type ccdBody struct {
	body  *Body
	delta lin.V3 // intended translation for this sub-step.

	fraction         float64 // 1.0 = no hit.
	fractionPlusSlop float64 // how far we allow travel before reacting.

	hitBody   *Body
	hitNormal lin.V3 // from the CCD body toward the hit body.
	hitPoint  lin.V3
	hasHit    bool
}

// needsLinearCast reports whether a dynamic body's predicted sub-step
// translation exceeds the CCD threshold fraction of its shape's inner
// radius.
func needsLinearCast(b *Body, dt float64, s *Settings) bool {
	if b.quality != MotionLinearCast || b.motion != MotionDynamic {
		return false
	}
	travelSq := b.state.linearVelocity.LenSqr() * dt * dt
	threshold := s.LinearCastThreshold * b.shape.InnerRadius()
	return travelSq > threshold*threshold
}

// findCCDContacts runs the linear cast for every CCD record: broadphase-cast the AABB along the delta, narrowphase-
// cast against each candidate, keep the earliest hit by fraction+slop,
// then deduplicate dynamic-dynamic pairs by body-id ordering.
func (ps *PhysicsSystem) findCCDContacts(records []*ccdBody) {
	for _, rec := range records {
		ps.castOneCCDBody(rec)
	}
	ps.dedupCCDPairs(records)
}

func (ps *PhysicsSystem) castOneCCDBody(rec *ccdBody) {
	b := rec.body
	rec.fraction = 1.0
	rec.fractionPlusSlop = 1.0
	maxPen := ps.settings.LinearCastMaxPenetration * b.shape.InnerRadius()

	var candidates []BodyID
	box := b.worldAabb
	for layer, tree := range ps.trees {
		if !ps.objVsBroad(b.objectLayer, BroadPhaseLayer(layer)) {
			continue
		}
		tree.CastAABox(box, rec.delta, func(other BodyID, otherLayer ObjectLayer) {
			if other == b.id || !ps.objVsObj(b.objectLayer, otherLayer) {
				return
			}
			candidates = append(candidates, other)
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	deltaLen := rec.delta.Len()
	for _, id := range candidates {
		other := ps.store.Body(id)
		if other == nil {
			continue // removed concurrently; broadphase results are allowed to be stale.
		}
		res, hit := CastShape(b.shape, b.state.pose, rec.delta, other.shape, other.state.pose, true)
		if !hit {
			continue
		}
		// Only hits that oppose the motion are valid; a surface the body
		// is leaving cannot stop it.
		nd := res.Normal.Dot(&rec.delta)
		if nd <= 0 && res.Fraction > 0 {
			continue
		}
		slop := 1.0
		if nd > lin.Epsilon && deltaLen > lin.Epsilon {
			// fraction + max_penetration/(normal . delta): allow a small
			// penetration so the body doesn't freeze epsilon short of the
			// surface.
			slop = res.Fraction + maxPen/nd
		}
		if slop < rec.fractionPlusSlop {
			rec.fraction = res.Fraction
			rec.fractionPlusSlop = math.Min(slop, 1.0)
			rec.hitBody = other
			rec.hitNormal = res.Normal
			rec.hitPoint = res.Point
			rec.hasHit = true
		}
	}
}

// dedupCCDPairs makes each dynamic-dynamic pair the responsibility of
// exactly one of its bodies, by body-id ordering; the higher id drops
// its hit and advances by its full delta, with no other hit kept in
// its place. The documented
// duplicate-callback window — one body may already have fired contact
// callbacks for a hit discarded here — is intentionally preserved
// as-is.
func (ps *PhysicsSystem) dedupCCDPairs(records []*ccdBody) {
	byBody := make(map[BodyID]*ccdBody, len(records))
	for _, r := range records {
		byBody[r.body.id] = r
	}
	for _, r := range records {
		if !r.hasHit || r.hitBody == nil || !r.hitBody.IsDynamic() {
			continue
		}
		otherRec, both := byBody[r.hitBody.id]
		if !both {
			continue
		}
		if r.body.id < r.hitBody.id {
			continue // the lower id keeps its hit.
		}
		// The higher id yields when the lower id found the same pair.
		if otherRec.hasHit && otherRec.hitBody != nil && otherRec.hitBody.id == r.body.id {
			r.hasHit = false
			r.hitBody = nil
			r.fraction = 1.0
			r.fractionPlusSlop = 1.0
		}
	}
}

// resolveCCDContacts applies the impulse response for each hit and
// advances every CCD body by its allowed travel. Runs
// after integration and before position solve, so the position passes
// still correct any residual penetration.
func (ps *PhysicsSystem) resolveCCDContacts(records []*ccdBody, dt float64) {
	for _, rec := range records {
		if rec.hasHit {
			ps.resolveOneCCDHit(rec)
		}
		// Advance by the allowed travel (all of it when nothing was hit).
		b := rec.body
		f := rec.fractionPlusSlop
		b.state.pose.Loc.X += rec.delta.X * f
		b.state.pose.Loc.Y += rec.delta.Y * f
		b.state.pose.Loc.Z += rec.delta.Z * f
		// The deferred orientation update still applies in full; CCD only
		// limits translation.
		zero := lin.V3{}
		cur := lin.T{Loc: &zero, Rot: b.state.pose.Rot}
		out := lin.T{Loc: &lin.V3{}, Rot: &lin.Q{}}
		out.Integrate(&cur, &zero, &b.state.angularVelocity, dt)
		b.state.pose.Rot.Set(out.Rot)
	}
}

func (ps *PhysicsSystem) resolveOneCCDHit(rec *ccdBody) {
	b1 := rec.body
	b2 := rec.hitBody
	n := rec.hitNormal // from b1 toward b2.

	r1 := lin.V3{X: rec.hitPoint.X - b1.state.pose.Loc.X, Y: rec.hitPoint.Y - b1.state.pose.Loc.Y, Z: rec.hitPoint.Z - b1.state.pose.Loc.Z}
	r2 := lin.V3{X: rec.hitPoint.X - b2.state.pose.Loc.X, Y: rec.hitPoint.Y - b2.state.pose.Loc.Y, Z: rec.hitPoint.Z - b2.state.pose.Loc.Z}

	part := axisConstraintPart{axis: n, r1: r1, r2: r2}
	part.reset()
	part.setup(b1, b2)
	if part.effMass == 0 {
		return
	}
	// Relative velocity along the normal; positive means separating
	// (axis points 1 -> 2, so approach is negative J*v with body1 as the
	// "1" side of the row).
	vn := part.relativeVelocity(b1, b2)
	if vn >= 0 {
		return
	}
	restitution := combinedRestitution(b1, b2)
	bias := 0.0
	if restitution > 0 && vn < -ps.settings.MinVelocityForRestitution {
		bias = restitution * vn
	}
	lambdaN := -part.effMass * (vn + bias)
	if lambdaN < 0 {
		return
	}
	applyCCDImpulse(b1, b2, &part, lambdaN)

	// Two tangential friction impulses bounded by mu * lambda_n.
	mu := combinedFriction(b1, b2)
	t1, t2 := perpendicularBasis(n)
	for _, tangent := range [2]lin.V3{t1, t2} {
		fp := axisConstraintPart{axis: tangent, r1: r1, r2: r2}
		fp.reset()
		fp.setup(b1, b2)
		if fp.effMass == 0 {
			continue
		}
		vt := fp.relativeVelocity(b1, b2)
		lambdaT := lin.Clamp(-fp.effMass*vt, -mu*lambdaN, mu*lambdaN)
		applyCCDImpulse(b1, b2, &fp, lambdaT)
	}
}

// applyCCDImpulse applies a row impulse; applyImpulse itself restricts
// writes to dynamic bodies, so a kinematic or static hit body only
// updates the CCD body.
func applyCCDImpulse(b1, b2 *Body, part *axisConstraintPart, lambda float64) {
	part.applyImpulse(b1, b2, lambda)
}
