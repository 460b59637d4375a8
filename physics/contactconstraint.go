package physics

import (
	"math"

	"github.com/corephys/sim/math/lin"
)

// contactPointConstraint is the per-point substructure of a contact
// constraint: one non-penetration axis part and
// two friction parts along the tangent basis.
type contactPointConstraint struct {
	nonPen    axisConstraintPart
	friction1 axisConstraintPart
	friction2 axisConstraintPart

	localPoint1, localPoint2 lin.V3
	penetration              float64

	cached *ContactPoint // write-through target for end-of-step lambda storage.
}

// ContactConstraint is rebuilt each step from the manifold cache. It holds resolved body pointers for
// the step's duration — the solver writes velocities through them
// directly rather than re-locking per iteration.
type ContactConstraint struct {
	body1, body2 BodyID
	b1, b2       *Body

	normal      lin.V3 // world space, pointing from body 1 toward body 2.
	friction    float64
	restitution float64

	points []contactPointConstraint

	manifold *ContactManifold
}

// newContactConstraint builds the constraint from a (possibly warmed)
// manifold. Static/static pairs are never created; the caller filters them out
// at pair collection time.
func newContactConstraint(b1, b2 *Body, m *ContactManifold, s *Settings, dt float64) *ContactConstraint {
	c := &ContactConstraint{
		body1:       m.Body1,
		body2:       m.Body2,
		b1:          b1,
		b2:          b2,
		friction:    combinedFriction(b1, b2),
		restitution: combinedRestitution(b1, b2),
		manifold:    m,
		points:      make([]contactPointConstraint, 0, len(m.Points)),
	}
	for i := range m.Points {
		cp := &m.Points[i]
		c.points = append(c.points, contactPointConstraint{
			localPoint1: cp.LocalPoint1,
			localPoint2: cp.LocalPoint2,
			cached:      cp,
		})
		pc := &c.points[len(c.points)-1]
		pc.nonPen.lambda = cp.NormalLambda
		pc.friction1.lambda = cp.FrictionLambda1
		pc.friction2.lambda = cp.FrictionLambda2
	}
	c.setup(s, dt)
	return c
}

// setup recomputes the Jacobian rows for the bodies' current poses at
// the start of a sub-step, preserving the accumulated lambdas for warm
// starting.
func (c *ContactConstraint) setup(s *Settings, dt float64) {
	c.normal = c.manifold.WorldNormal(c.b2.state.pose.Rot)
	tan1, tan2 := perpendicularBasis(c.normal)

	for i := range c.points {
		pc := &c.points[i]
		p1, r1 := worldAnchor(c.b1, pc.localPoint1)
		p2, r2 := worldAnchor(c.b2, pc.localPoint2)
		sep := lin.V3{X: p2.X - p1.X, Y: p2.Y - p1.Y, Z: p2.Z - p1.Z}
		pc.penetration = -sep.Dot(&c.normal)

		np := &pc.nonPen
		keep := np.lambda
		np.reset()
		np.axis = c.normal
		np.r1, np.r2 = r1, r2
		np.minLambda = 0
		np.setup(c.b1, c.b2)
		np.lambda = keep
		np.bias = velocityBias(c.b1, c.b2, np, c.restitution, pc.penetration, s, dt)

		f1 := &pc.friction1
		keep = f1.lambda
		f1.reset()
		f1.axis = tan1
		f1.r1, f1.r2 = r1, r2
		f1.setup(c.b1, c.b2)
		f1.lambda = keep

		f2 := &pc.friction2
		keep = f2.lambda
		f2.reset()
		f2.axis = tan2
		f2.r1, f2.r2 = r1, r2
		f2.setup(c.b1, c.b2)
		f2.lambda = keep
	}
}

// velocityBias implements the restitution policy: bounce only when
// the approach speed at first contact exceeds the restitution
// threshold, otherwise a speculative bias that lets a separated pair
// close its gap in exactly one step and no more.
func velocityBias(b1, b2 *Body, np *axisConstraintPart, restitution, penetration float64, s *Settings, dt float64) float64 {
	vn := np.relativeVelocity(b1, b2) // negative while approaching.
	if restitution > 0 && vn < -s.MinVelocityForRestitution {
		return restitution * vn
	}
	if penetration < 0 && dt > 0 {
		// Separated by -penetration: permit approach up to gap/dt.
		return -penetration / dt
	}
	return 0
}

func (c *ContactConstraint) warmStart(ratio float64) {
	for i := range c.points {
		p := &c.points[i]
		p.nonPen.warmStart(c.b1, c.b2, ratio)
		p.friction1.warmStart(c.b1, c.b2, ratio)
		p.friction2.warmStart(c.b1, c.b2, ratio)
	}
}

// solveVelocity runs one iteration: friction first, bounded by the
// friction cone of the current normal impulse, then non-penetration.
func (c *ContactConstraint) solveVelocity() bool {
	changed := false
	for i := range c.points {
		p := &c.points[i]
		maxFriction := c.friction * p.nonPen.lambda
		p.friction1.minLambda, p.friction1.maxLambda = -maxFriction, maxFriction
		p.friction2.minLambda, p.friction2.maxLambda = -maxFriction, maxFriction
		changed = p.friction1.solve(c.b1, c.b2) || changed
		changed = p.friction2.solve(c.b1, c.b2) || changed
		changed = p.nonPen.solve(c.b1, c.b2) || changed
	}
	return changed
}

// solvePosition applies one pseudo-Baumgarte pass: re-project
// the cached local points into world space, measure separation along
// the normal, and move the bodies (not their velocities) by a bounded
// fraction of the violation.
func (c *ContactConstraint) solvePosition(s *Settings) bool {
	moved := false
	for i := range c.points {
		p := &c.points[i]
		w1, _ := worldAnchor(c.b1, p.localPoint1)
		w2, _ := worldAnchor(c.b2, p.localPoint2)
		sep := lin.V3{X: w2.X - w1.X, Y: w2.Y - w1.Y, Z: w2.Z - w1.Z}
		penetration := -sep.Dot(&c.normal)
		if penetration <= s.PenetrationSlop {
			continue
		}
		err := math.Max(penetration-s.PenetrationSlop, -s.MaxPenetrationDistance)
		if err > s.MaxPenetrationDistance {
			err = s.MaxPenetrationDistance
		}
		correction := s.Baumgarte * err
		total := c.b1.invMass + c.b2.invMass
		if total <= lin.Epsilon {
			continue
		}
		s1 := correction * c.b1.invMass / total
		s2 := correction * c.b2.invMass / total
		c.b1.state.pose.Loc.X -= c.normal.X * s1
		c.b1.state.pose.Loc.Y -= c.normal.Y * s1
		c.b1.state.pose.Loc.Z -= c.normal.Z * s1
		c.b2.state.pose.Loc.X += c.normal.X * s2
		c.b2.state.pose.Loc.Y += c.normal.Y * s2
		c.b2.state.pose.Loc.Z += c.normal.Z * s2
		moved = true
	}
	return moved
}

// storeLambdas writes the converged impulses back into the cached
// contact points so the next step warm starts from them.
func (c *ContactConstraint) storeLambdas() {
	for i := range c.points {
		p := &c.points[i]
		if p.cached == nil {
			continue
		}
		p.cached.NormalLambda = p.nonPen.lambda
		p.cached.FrictionLambda1 = p.friction1.lambda
		p.cached.FrictionLambda2 = p.friction2.lambda
	}
}
