package core

import (
	"fmt"
	"sync"
)

// Process computes one period's allocation from the configuration, the prior
// rollover state and the period inputs. It is a pure function: the prior
// state is never mutated, and identical inputs always yield identical
// results. The caller decides what to do with the returned next state.
//
// Stages, in order: merge prior rollover with new contributions over the
// union of users, aggregate merged points per pillar, derive each pillar's
// fixed token budget, award proportional shares to claiming users, and
// build the next rollover state (claimed pillars reset to zero, unclaimed
// pillars carry the full merged total forward).
func Process(cfg Config, prior RolloverState, contribs ContributionSet, claims ClaimSet) (SnapshotResult, RolloverState) {
	users := make(map[string]struct{}, len(prior)+len(contribs))
	for user := range prior {
		users[user] = struct{}{}
	}
	for user := range contribs {
		users[user] = struct{}{}
	}

	current := make(map[string]PointsByPillar, len(users))
	for user := range users {
		pts := make(PointsByPillar, len(cfg.Pillars))
		for pillar := range cfg.Pillars {
			pts[pillar] = prior.Points(user, pillar) + contribs.Points(user, pillar)
		}
		current[user] = pts
	}

	totals := make(map[string]float64, len(cfg.Pillars))
	for pillar := range cfg.Pillars {
		totals[pillar] = 0
	}
	for _, pts := range current {
		for pillar, points := range pts {
			totals[pillar] += points
		}
	}

	// Each pillar's budget is fixed by configuration alone. A pillar with
	// no contributions forfeits its budget for the period.
	allocated := make(map[string]float64, len(cfg.Pillars))
	for pillar, pc := range cfg.Pillars {
		allocated[pillar] = cfg.TotalEmissions * pc.Weight * pc.EmissionPct
	}

	tokens := make(map[string]map[string]float64, len(current))
	next := make(RolloverState, len(current))
	for user, pts := range current {
		userTokens := make(map[string]float64, len(pts))
		carry := make(PointsByPillar, len(pts))
		for pillar, points := range pts {
			share := 0.0
			if totals[pillar] > 0 {
				share = points / totals[pillar]
			}
			if claims.Claimed(user, pillar) {
				userTokens[pillar] = allocated[pillar] * share
				carry[pillar] = 0
			} else {
				userTokens[pillar] = 0
				carry[pillar] = points
			}
		}
		tokens[user] = userTokens
		next[user] = carry
	}

	return SnapshotResult{
		UserTokens:      tokens,
		PillarTotals:    totals,
		TokensAllocated: allocated,
		CurrentPoints:   current,
		RolloverPoints:  next.Clone(),
	}, next
}

// Engine owns one configuration and one rollover state, advanced by
// sequential snapshot calls. All mutation goes through ProcessSnapshot,
// which replaces the state wholesale; a mutex serializes callers so the
// read-compute-replace sequence is never interleaved.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	rollover RolloverState
}

// NewEngine validates the configuration and returns an engine with an
// empty rollover state.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return &Engine{cfg: cfg, rollover: RolloverState{}}, nil
}

// Config returns the engine's fixed configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Rollover returns a copy of the current rollover state for display or
// persistence. The engine's own state cannot be reached through it.
func (e *Engine) Rollover() RolloverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollover.Clone()
}

// Restore replaces the rollover state, typically with a ledger loaded by
// the hosting application at startup.
func (e *Engine) Restore(state RolloverState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover = state.Clone()
	if e.rollover == nil {
		e.rollover = RolloverState{}
	}
}

// ProcessSnapshot validates the inputs, runs one allocation pass against
// the current rollover state and atomically replaces that state with the
// newly computed one. No interim state is ever observable.
func (e *Engine) ProcessSnapshot(contribs ContributionSet, claims ClaimSet) (SnapshotResult, error) {
	return e.ProcessSnapshotWith(contribs, claims, nil)
}

// ProcessSnapshotWith runs one allocation pass and hands the result to
// commit while still holding the state lock. The new rollover state is
// installed only if commit returns nil, so a caller persisting the result
// can fail, report the error and accept the same submission again without
// the contribution being merged twice.
func (e *Engine) ProcessSnapshotWith(contribs ContributionSet, claims ClaimSet, commit func(SnapshotResult) error) (SnapshotResult, error) {
	if err := ValidateInputs(e.cfg, contribs); err != nil {
		return SnapshotResult{}, fmt.Errorf("validate snapshot inputs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	result, next := Process(e.cfg, e.rollover, contribs, claims)
	if commit != nil {
		if err := commit(result); err != nil {
			return SnapshotResult{}, err
		}
	}
	e.rollover = next
	return result, nil
}
