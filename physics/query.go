package physics

import (
	"github.com/corephys/sim/math/lin"
)

// NarrowPhaseQuery answers exact geometric questions against the live
// world: broadphase first, then the per-shape narrowphase. All
// queries re-validate candidate bodies through the store, since a
// broadphase result may be stale.
type NarrowPhaseQuery struct {
	sys *PhysicsSystem
}

// NarrowPhaseQuery returns the system's query interface.
func (ps *PhysicsSystem) NarrowPhaseQuery() *NarrowPhaseQuery { return &NarrowPhaseQuery{sys: ps} }

// RayCastResult is one ray hit.
type RayCastResult struct {
	Body     BodyID
	Fraction float64 // along [0,1] over the ray's direction vector.
	Sub      SubShapeID
}

// RayCastCollector receives hits as they are found. Returning false
// asks the query to stop early.
type RayCastCollector interface {
	AddRayHit(RayCastResult) bool
}

// ClosestHitRayCollector keeps only the nearest hit.
type ClosestHitRayCollector struct {
	Hit    RayCastResult
	HasHit bool
}

func (c *ClosestHitRayCollector) AddRayHit(r RayCastResult) bool {
	if !c.HasHit || r.Fraction < c.Hit.Fraction {
		c.Hit = r
		c.HasHit = true
	}
	return true
}

// AllHitRayCollector keeps every hit.
type AllHitRayCollector struct {
	Hits []RayCastResult
}

func (c *AllHitRayCollector) AddRayHit(r RayCastResult) bool {
	c.Hits = append(c.Hits, r)
	return true
}

// AnyHitRayCollector stops at the first hit.
type AnyHitRayCollector struct {
	Hit    RayCastResult
	HasHit bool
}

func (c *AnyHitRayCollector) AddRayHit(r RayCastResult) bool {
	c.Hit = r
	c.HasHit = true
	return false
}

// CastRay fires a ray from origin along dir (the ray covers fractions
// [0,1] of dir) and feeds hits to the collector.
func (q *NarrowPhaseQuery) CastRay(origin, dir lin.V3, collector RayCastCollector) {
	q.forEachCandidate(func(tree *Quadtree, report func(BodyID) bool) {
		stopped := false
		tree.CastRay(origin, dir, func(id BodyID, _ ObjectLayer) {
			if !stopped && !report(id) {
				stopped = true
			}
		})
	}, func(b *Body) bool {
		localOrigin := origin
		b.state.pose.Inv(&localOrigin)
		var invRot lin.Q
		invRot.Inv(b.state.pose.Rot)
		var localDir lin.V3
		localDir.MultvQ(&dir, &invRot)
		frac, sub, ok := b.shape.CastRay(localOrigin, localDir)
		if !ok {
			return true
		}
		return collector.AddRayHit(RayCastResult{Body: b.id, Fraction: frac, Sub: sub})
	})
}

// ShapeCastCollector receives swept-shape hits.
type ShapeCastCollector interface {
	AddShapeHit(body BodyID, hit ShapeCastResult) bool
}

// ClosestHitShapeCollector keeps only the earliest hit.
type ClosestHitShapeCollector struct {
	Body   BodyID
	Hit    ShapeCastResult
	HasHit bool
}

func (c *ClosestHitShapeCollector) AddShapeHit(body BodyID, hit ShapeCastResult) bool {
	if !c.HasHit || hit.Fraction < c.Hit.Fraction {
		c.Body = body
		c.Hit = hit
		c.HasHit = true
	}
	return true
}

// CastShape sweeps shape (posed at t) along delta through the world.
func (q *NarrowPhaseQuery) CastShape(shape Shape, t lin.T, delta lin.V3, collector ShapeCastCollector) {
	var box AABB
	shape.Aabb(&t, &box, 0)
	q.forEachCandidate(func(tree *Quadtree, report func(BodyID) bool) {
		stopped := false
		tree.CastAABox(box, delta, func(id BodyID, _ ObjectLayer) {
			if !stopped && !report(id) {
				stopped = true
			}
		})
	}, func(b *Body) bool {
		res, ok := CastShape(shape, t, delta, b.shape, b.state.pose, true)
		if !ok {
			return true
		}
		return collector.AddShapeHit(b.id, res)
	})
}

// CollideShapeCollector receives overlap results.
type CollideShapeCollector interface {
	AddCollision(body BodyID, result CollideShapeResult) bool
}

// AllHitCollideCollector keeps every overlap.
type AllHitCollideCollector struct {
	Bodies  []BodyID
	Results []CollideShapeResult
}

func (c *AllHitCollideCollector) AddCollision(body BodyID, r CollideShapeResult) bool {
	c.Bodies = append(c.Bodies, body)
	c.Results = append(c.Results, r)
	return true
}

// CollideShape tests shape (posed at t) against every body whose
// bounds overlap it, within the speculative contact distance.
func (q *NarrowPhaseQuery) CollideShape(shape Shape, t lin.T, collector CollideShapeCollector) {
	var box AABB
	shape.Aabb(&t, &box, q.sys.settings.SpeculativeContactDistance)
	q.forEachCandidate(func(tree *Quadtree, report func(BodyID) bool) {
		stopped := false
		tree.CollideAABox(box, func(id BodyID, _ ObjectLayer) {
			if !stopped && !report(id) {
				stopped = true
			}
		})
	}, func(b *Body) bool {
		for _, r := range CollidePair(shape, t, b.shape, b.state.pose, q.sys.settings.SpeculativeContactDistance, q.sys.log) {
			if !collector.AddCollision(b.id, r) {
				return false
			}
		}
		return true
	})
}

// CollidePoint reports every body whose shape contains the world-space
// point p.
func (q *NarrowPhaseQuery) CollidePoint(p lin.V3, collector func(BodyID) bool) {
	q.forEachCandidate(func(tree *Quadtree, report func(BodyID) bool) {
		stopped := false
		tree.CollidePoint(p, func(id BodyID, _ ObjectLayer) {
			if !stopped && !report(id) {
				stopped = true
			}
		})
	}, func(b *Body) bool {
		local := p
		b.state.pose.Inv(&local)
		if !b.shape.PointInside(local) {
			return true
		}
		return collector(b.id)
	})
}

// TransformedShape is one leaf shape positioned in world space.
type TransformedShape struct {
	Body  BodyID
	Shape Shape
	Pose  lin.T
	Sub   SubShapeID
}

// CollectTransformedShapes gathers every leaf shape whose owning body's
// bounds overlap box.
func (q *NarrowPhaseQuery) CollectTransformedShapes(box AABB, collector func(TransformedShape) bool) {
	q.forEachCandidate(func(tree *Quadtree, report func(BodyID) bool) {
		stopped := false
		tree.CollideAABox(box, func(id BodyID, _ ObjectLayer) {
			if !stopped && !report(id) {
				stopped = true
			}
		})
	}, func(b *Body) bool {
		keep := true
		b.shape.LeafShapes(func(leaf Shape, local lin.T, sub SubShapeID) {
			if !keep {
				return
			}
			world := composeT(&b.state.pose, &local)
			if !collector(TransformedShape{Body: b.id, Shape: leaf, Pose: world, Sub: sub}) {
				keep = false
			}
		})
		return keep
	})
}

// forEachCandidate runs a broadphase gather per tree and re-validates
// each candidate body before handing it to visit. visit returning false
// stops the whole query.
func (q *NarrowPhaseQuery) forEachCandidate(gather func(tree *Quadtree, report func(BodyID) bool), visit func(*Body) bool) {
	seen := make(map[BodyID]bool)
	stopped := false
	for _, tree := range q.sys.trees {
		if stopped {
			return
		}
		gather(tree, func(id BodyID) bool {
			if stopped || seen[id] {
				return !stopped
			}
			seen[id] = true
			b := q.sys.store.Body(id)
			if b == nil {
				return true // stale broadphase entry; skip.
			}
			if !visit(b) {
				stopped = true
				return false
			}
			return true
		})
	}
}
