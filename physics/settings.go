package physics

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings collects the engine's tunables in one place. The zero value
// is not usable; start from DefaultSettings and override. Field
// yaml tags allow a settings document to be loaded from disk with
// LoadSettings for environment-specific tuning.
type Settings struct {
	// Solver iteration counts.
	NumVelocitySteps int `yaml:"num_velocity_steps"`
	NumPositionSteps int `yaml:"num_position_steps"`

	// Baumgarte is the fraction of remaining penetration corrected per
	// position pass.
	Baumgarte float64 `yaml:"baumgarte"`

	// SpeculativeContactDistance admits nearly-touching pairs into the
	// solver with a separation bias so fast approaches don't tunnel
	// between discrete steps.
	SpeculativeContactDistance float64 `yaml:"speculative_contact_distance"`

	// PenetrationSlop is the penetration depth tolerated without
	// position correction; MaxPenetrationDistance caps the correction
	// applied in one pass.
	PenetrationSlop        float64 `yaml:"penetration_slop"`
	MaxPenetrationDistance float64 `yaml:"max_penetration_distance"`

	// ManifoldTolerance bounds how far a clipped contact point may sit
	// above the deepest point and still join the manifold.
	ManifoldTolerance float64 `yaml:"manifold_tolerance"`

	// ContactNormalCosMaxDeltaRotation merges face-pair collisions from
	// one body pair whose normals are within this cosine.
	ContactNormalCosMaxDeltaRotation float64 `yaml:"contact_normal_cos_max_delta_rotation"`

	// Body-pair cache reuse gates: skip narrowphase when the
	// relative pose changed less than these thresholds.
	BodyPairCacheMaxDeltaPositionSq  float64 `yaml:"body_pair_cache_max_delta_position_sq"`
	BodyPairCacheCosMaxDeltaRotation float64 `yaml:"body_pair_cache_cos_max_delta_rotation"`

	// ContactPointPreserveLambdaMaxDistSq bounds the search for a cached
	// contact point whose warm-start lambdas a new point inherits.
	ContactPointPreserveLambdaMaxDistSq float64 `yaml:"contact_point_preserve_lambda_max_dist_sq"`

	// MinVelocityForRestitution is the approach speed below which a
	// contact is treated as resting and gets no bounce.
	MinVelocityForRestitution float64 `yaml:"min_velocity_for_restitution"`

	// Sleep thresholds.
	PointVelocitySleepThreshold float64 `yaml:"point_velocity_sleep_threshold"`
	TimeBeforeSleep             float64 `yaml:"time_before_sleep"`

	// Integration speed caps.
	MaxLinearVelocity  float64 `yaml:"max_linear_velocity"`
	MaxAngularVelocity float64 `yaml:"max_angular_velocity"`

	// LinearCastThreshold: fraction of a shape's inner radius a
	// linear-cast body may travel per sub-step before CCD takes over;
	// LinearCastMaxPenetration is the fraction of the inner radius
	// allowed as CCD penetration slop.
	LinearCastThreshold      float64 `yaml:"linear_cast_threshold"`
	LinearCastMaxPenetration float64 `yaml:"linear_cast_max_penetration"`

	// Capacity limits. Zero means unlimited.
	MaxBodyPairs          int `yaml:"max_body_pairs"`
	MaxContactConstraints int `yaml:"max_contact_constraints"`

	// MinManifoldCacheBuckets floors the write cache's bucket sizing.
	MinManifoldCacheBuckets int `yaml:"min_manifold_cache_buckets"`

	// BroadphaseMargin is the loose-tree AABB inflation.
	BroadphaseMargin float64 `yaml:"broadphase_margin"`
}

// DefaultSettings returns the tuning the rest of the package documents
// as its defaults.
func DefaultSettings() Settings {
	return Settings{
		NumVelocitySteps:                    10,
		NumPositionSteps:                    2,
		Baumgarte:                           0.2,
		SpeculativeContactDistance:          0.02,
		PenetrationSlop:                     0.02,
		MaxPenetrationDistance:              0.2,
		ManifoldTolerance:                   1e-3,
		ContactNormalCosMaxDeltaRotation:    0.9962, // cos(5 degrees)
		BodyPairCacheMaxDeltaPositionSq:     1e-6,
		BodyPairCacheCosMaxDeltaRotation:    0.99984769515639123, // cos(2 degrees / 2)
		ContactPointPreserveLambdaMaxDistSq: 1e-4,
		MinVelocityForRestitution:           1.0,
		PointVelocitySleepThreshold:         0.03,
		TimeBeforeSleep:                     0.5,
		MaxLinearVelocity:                   500.0,
		MaxAngularVelocity:                  0.25 * 60.0, // 15 rad/s
		LinearCastThreshold:                 0.75,
		LinearCastMaxPenetration:            0.25,
		MaxBodyPairs:                        16384,
		MaxContactConstraints:               10240,
		MinManifoldCacheBuckets:             1024,
		BroadphaseMargin:                    0.1,
	}
}

// LoadSettings reads a yaml settings document, layered over
// DefaultSettings so a partial file only overrides what it names.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("physics: read settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("physics: parse settings: %w", err)
	}
	return s, nil
}
