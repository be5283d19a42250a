package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type (
	// PillarConfig describes how a single pillar participates in the
	// period emission budget. Static for the lifetime of an Engine.
	PillarConfig struct {
		Weight      float64
		EmissionPct float64
	}

	// Config is the fixed per-period configuration: the total emission
	// budget plus one PillarConfig per pillar name.
	Config struct {
		TotalEmissions float64
		Pillars        map[string]PillarConfig
	}

	// PointsByPillar maps pillar name to a point amount.
	PointsByPillar map[string]float64

	// ContributionSet holds newly earned points keyed by user then pillar.
	// Absent users and pillars count as zero.
	ContributionSet map[string]PointsByPillar

	// ClaimSet holds per-user per-pillar claim decisions. Absent entries
	// count as "not claimed".
	ClaimSet map[string]map[string]bool

	// RolloverState carries unclaimed points into the next period, keyed
	// by user then pillar. The zero value (nil) is a valid empty state.
	RolloverState map[string]PointsByPillar

	// SnapshotResult bundles everything derived from one snapshot. All
	// fields are fresh values; none alias engine-held state.
	SnapshotResult struct {
		UserTokens      map[string]map[string]float64
		PillarTotals    map[string]float64
		TokensAllocated map[string]float64
		CurrentPoints   map[string]PointsByPillar
		RolloverPoints  RolloverState
	}
)

var (
	ErrNoPillars         = errors.New("configuration has no pillars")
	ErrNegativeEmissions = errors.New("total emissions must not be negative")
	ErrNegativeWeight    = errors.New("pillar weight must not be negative")
	ErrEmissionPctRange  = errors.New("emission percentage must be in [0,1]")
	ErrEmptyPillarName   = errors.New("empty pillar name")
	ErrNegativePoints    = errors.New("contribution points must not be negative")
	ErrUnknownPillar     = errors.New("unknown pillar")
	ErrEmptyUser         = errors.New("empty user identifier")
)

// Validate checks the configuration before an engine is built around it.
// Negative budgets, negative weights and out-of-range emission percentages
// are rejected here so the snapshot computation never has to guard mid-pass.
func (c Config) Validate() error {
	if c.TotalEmissions < 0 {
		return ErrNegativeEmissions
	}
	if len(c.Pillars) == 0 {
		return ErrNoPillars
	}
	for name, pc := range c.Pillars {
		if strings.TrimSpace(name) == "" {
			return ErrEmptyPillarName
		}
		if pc.Weight < 0 {
			return fmt.Errorf("pillar %q: %w", name, ErrNegativeWeight)
		}
		if pc.EmissionPct < 0 || pc.EmissionPct > 1 {
			return fmt.Errorf("pillar %q: %w", name, ErrEmissionPctRange)
		}
	}
	return nil
}

// PillarNames returns the configured pillar names sorted for deterministic
// iteration in exports and templates.
func (c Config) PillarNames() []string {
	names := make([]string, 0, len(c.Pillars))
	for name := range c.Pillars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Points returns the points for user/pillar, zero when absent. This is the
// documented zero-default accessor for the sparse mapping.
func (s ContributionSet) Points(user, pillar string) float64 {
	return s[user][pillar]
}

// Points returns the carried points for user/pillar, zero when absent.
func (s RolloverState) Points(user, pillar string) float64 {
	return s[user][pillar]
}

// Claimed reports whether user explicitly claimed pillar this period.
// Absent users or pillars default to false.
func (s ClaimSet) Claimed(user, pillar string) bool {
	return s[user][pillar]
}

// Clone deep-copies the state so callers can hold a stable view while the
// engine moves on to the next period.
func (s RolloverState) Clone() RolloverState {
	if s == nil {
		return nil
	}
	out := make(RolloverState, len(s))
	for user, pts := range s {
		cp := make(PointsByPillar, len(pts))
		for pillar, v := range pts {
			cp[pillar] = v
		}
		out[user] = cp
	}
	return out
}

// ValidateInputs rejects malformed snapshot inputs at the boundary:
// negative points and contributions to pillars the configuration does not
// know about. Claim decisions need no checking; a claim for an unknown
// pillar never gates anything.
func ValidateInputs(cfg Config, contribs ContributionSet) error {
	for user, pts := range contribs {
		if strings.TrimSpace(user) == "" {
			return ErrEmptyUser
		}
		for pillar, points := range pts {
			if _, ok := cfg.Pillars[pillar]; !ok {
				return fmt.Errorf("user %q pillar %q: %w", user, pillar, ErrUnknownPillar)
			}
			if points < 0 {
				return fmt.Errorf("user %q pillar %q: %w", user, pillar, ErrNegativePoints)
			}
		}
	}
	return nil
}
