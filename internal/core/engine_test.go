package core

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

const tolerance = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) <= tolerance
}

func singlePillarConfig() Config {
	return Config{
		TotalEmissions: 10000,
		Pillars: map[string]PillarConfig{
			"Development": {Weight: 1.0, EmissionPct: 0.25},
		},
	}
}

func TestProcessSinglePillarBothClaim(t *testing.T) {
	cfg := singlePillarConfig()
	contribs := ContributionSet{
		"alice": {"Development": 100},
		"bob":   {"Development": 300},
	}
	claims := ClaimSet{
		"alice": {"Development": true},
		"bob":   {"Development": true},
	}

	result, next := Process(cfg, nil, contribs, claims)

	if !approx(result.TokensAllocated["Development"], 2500) {
		t.Fatalf("tokens allocated = %v, want 2500", result.TokensAllocated["Development"])
	}
	if !approx(result.PillarTotals["Development"], 400) {
		t.Fatalf("pillar total = %v, want 400", result.PillarTotals["Development"])
	}
	if !approx(result.UserTokens["alice"]["Development"], 625) {
		t.Fatalf("alice tokens = %v, want 625", result.UserTokens["alice"]["Development"])
	}
	if !approx(result.UserTokens["bob"]["Development"], 1875) {
		t.Fatalf("bob tokens = %v, want 1875", result.UserTokens["bob"]["Development"])
	}
	for _, user := range []string{"alice", "bob"} {
		if v := next.Points(user, "Development"); v != 0 {
			t.Fatalf("rollover for %s = %v, want 0", user, v)
		}
	}
}

func TestProcessDeferredClaimCarriesForward(t *testing.T) {
	cfg := singlePillarConfig()
	contribs := ContributionSet{
		"alice": {"Development": 100},
		"bob":   {"Development": 300},
	}
	claims := ClaimSet{
		"bob": {"Development": true},
	}

	result, next := Process(cfg, nil, contribs, claims)

	if v := result.UserTokens["alice"]["Development"]; v != 0 {
		t.Fatalf("unclaimed alice tokens = %v, want 0", v)
	}
	if v := next.Points("alice", "Development"); !approx(v, 100) {
		t.Fatalf("alice rollover = %v, want 100", v)
	}

	// Next period: alice contributes nothing, others contribute plenty,
	// and alice claims. Her merged points are her rollover alone.
	contribs2 := ContributionSet{
		"carol": {"Development": 900},
	}
	claims2 := ClaimSet{
		"alice": {"Development": true},
	}
	result2, next2 := Process(cfg, next, contribs2, claims2)

	if v := result2.CurrentPoints["alice"]["Development"]; !approx(v, 100) {
		t.Fatalf("alice current points = %v, want 100", v)
	}
	if v := next2.Points("alice", "Development"); v != 0 {
		t.Fatalf("alice rollover after claim = %v, want 0", v)
	}
}

func TestProcessEmptyPillarForfeitsBudget(t *testing.T) {
	cfg := Config{
		TotalEmissions: 10000,
		Pillars: map[string]PillarConfig{
			"Development": {Weight: 1.0, EmissionPct: 0.25},
			"Community":   {Weight: 2.0, EmissionPct: 0.10},
		},
	}
	contribs := ContributionSet{
		"alice": {"Development": 50},
	}
	claims := ClaimSet{
		"alice": {"Development": true, "Community": true},
	}

	result, _ := Process(cfg, nil, contribs, claims)

	if v := result.TokensAllocated["Community"]; !approx(v, 2000) {
		t.Fatalf("community budget = %v, want 2000", v)
	}
	if v := result.PillarTotals["Community"]; v != 0 {
		t.Fatalf("community total = %v, want 0", v)
	}
	if v := result.UserTokens["alice"]["Community"]; v != 0 {
		t.Fatalf("community tokens = %v, want 0 (zero-guard)", v)
	}
}

func TestProcessConservation(t *testing.T) {
	cfg := Config{
		TotalEmissions: 12345,
		Pillars: map[string]PillarConfig{
			"A": {Weight: 1.5, EmissionPct: 0.4},
			"B": {Weight: 0.5, EmissionPct: 0.9},
		},
	}
	contribs := ContributionSet{
		"u1": {"A": 10, "B": 7},
		"u2": {"A": 90, "B": 3},
		"u3": {"A": 25},
	}
	claims := ClaimSet{
		"u1": {"A": true, "B": true},
		"u2": {"A": true, "B": true},
		"u3": {"A": true},
	}

	result, _ := Process(cfg, nil, contribs, claims)

	for pillar, budget := range result.TokensAllocated {
		var paid float64
		for _, tokens := range result.UserTokens {
			paid += tokens[pillar]
		}
		if !approx(paid, budget) {
			t.Fatalf("pillar %s: paid %v, budget %v", pillar, paid, budget)
		}
	}
}

func TestProcessNonNegativity(t *testing.T) {
	cfg := Config{
		TotalEmissions: 500,
		Pillars: map[string]PillarConfig{
			"A": {Weight: 0, EmissionPct: 0.5},
			"B": {Weight: 2, EmissionPct: 0},
			"C": {Weight: 1, EmissionPct: 1},
		},
	}
	prior := RolloverState{
		"u1": {"A": 4, "C": 1},
	}
	contribs := ContributionSet{
		"u2": {"A": 3, "B": 8},
	}
	claims := ClaimSet{
		"u1": {"A": true},
		"u2": {"B": true, "C": true},
	}

	result, next := Process(cfg, prior, contribs, claims)

	for pillar, total := range result.PillarTotals {
		if total < 0 {
			t.Fatalf("pillar %s total negative: %v", pillar, total)
		}
	}
	for user, tokens := range result.UserTokens {
		for pillar, v := range tokens {
			if v < 0 {
				t.Fatalf("user %s pillar %s tokens negative: %v", user, pillar, v)
			}
		}
	}
	for user, pts := range next {
		for pillar, v := range pts {
			if v < 0 {
				t.Fatalf("user %s pillar %s rollover negative: %v", user, pillar, v)
			}
		}
	}
}

func TestProcessZeroWeightPillarStillAccumulates(t *testing.T) {
	cfg := Config{
		TotalEmissions: 1000,
		Pillars: map[string]PillarConfig{
			"Dormant": {Weight: 0, EmissionPct: 0.5},
		},
	}
	contribs := ContributionSet{"u1": {"Dormant": 42}}
	claims := ClaimSet{}

	result, next := Process(cfg, nil, contribs, claims)

	if v := result.TokensAllocated["Dormant"]; v != 0 {
		t.Fatalf("zero-weight budget = %v, want 0", v)
	}
	if v := next.Points("u1", "Dormant"); !approx(v, 42) {
		t.Fatalf("rollover = %v, want 42", v)
	}
}

func TestProcessZeroInputStepKeepsRollover(t *testing.T) {
	cfg := singlePillarConfig()
	prior := RolloverState{
		"alice": {"Development": 75},
	}

	result, next := Process(cfg, prior, nil, nil)

	if v := result.PillarTotals["Development"]; !approx(v, 75) {
		t.Fatalf("pillar total = %v, want 75 (prior rollover only)", v)
	}
	if !reflect.DeepEqual(next, RolloverState{"alice": {"Development": 75}}) {
		t.Fatalf("rollover changed on zero-input step: %v", next)
	}
	if &prior == &next {
		t.Fatal("next state must be a fresh value")
	}
}

func TestProcessCompoundingRollover(t *testing.T) {
	cfg := singlePillarConfig()
	state := RolloverState{}
	for i := 0; i < 3; i++ {
		_, state = Process(cfg, state, ContributionSet{"u": {"Development": 10}}, nil)
	}
	if v := state.Points("u", "Development"); !approx(v, 30) {
		t.Fatalf("compounded rollover = %v, want 30", v)
	}
}

func TestProcessDeterminism(t *testing.T) {
	cfg := Config{
		TotalEmissions: 777,
		Pillars: map[string]PillarConfig{
			"A": {Weight: 1, EmissionPct: 0.3},
			"B": {Weight: 2, EmissionPct: 0.1},
		},
	}
	prior := RolloverState{"u1": {"A": 5}}
	contribs := ContributionSet{"u1": {"B": 2}, "u2": {"A": 9, "B": 1}}
	claims := ClaimSet{"u2": {"A": true}}

	r1, n1 := Process(cfg, prior, contribs, claims)
	r2, n2 := Process(cfg, prior, contribs, claims)

	if !reflect.DeepEqual(r1, r2) {
		t.Fatal("identical inputs produced different results")
	}
	if !reflect.DeepEqual(n1, n2) {
		t.Fatal("identical inputs produced different next states")
	}
}

func TestProcessClaimWithoutPoints(t *testing.T) {
	cfg := singlePillarConfig()
	contribs := ContributionSet{"worker": {"Development": 10}}
	claims := ClaimSet{
		"worker":    {"Development": true},
		"freeloader": {"Development": true},
	}

	result, next := Process(cfg, nil, contribs, claims)

	// A user appearing only in claims is not part of the user union and
	// therefore has no effect on anyone's share.
	if _, ok := result.UserTokens["freeloader"]; ok {
		t.Fatal("claim-only user must not appear in results")
	}
	if !approx(result.UserTokens["worker"]["Development"], 2500) {
		t.Fatalf("worker tokens = %v, want full budget", result.UserTokens["worker"]["Development"])
	}
	if _, ok := next["freeloader"]; ok {
		t.Fatal("claim-only user must not appear in rollover")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "valid",
			cfg:  singlePillarConfig(),
			want: nil,
		},
		{
			name: "negative emissions",
			cfg:  Config{TotalEmissions: -1, Pillars: map[string]PillarConfig{"A": {}}},
			want: ErrNegativeEmissions,
		},
		{
			name: "no pillars",
			cfg:  Config{TotalEmissions: 10},
			want: ErrNoPillars,
		},
		{
			name: "negative weight",
			cfg:  Config{Pillars: map[string]PillarConfig{"A": {Weight: -0.1, EmissionPct: 0.5}}},
			want: ErrNegativeWeight,
		},
		{
			name: "emission pct above one",
			cfg:  Config{Pillars: map[string]PillarConfig{"A": {Weight: 1, EmissionPct: 1.5}}},
			want: ErrEmissionPctRange,
		},
		{
			name: "blank pillar name",
			cfg:  Config{Pillars: map[string]PillarConfig{"  ": {Weight: 1, EmissionPct: 0.5}}},
			want: ErrEmptyPillarName,
		},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: expected ok, got %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidateInputs(t *testing.T) {
	cfg := singlePillarConfig()

	if err := ValidateInputs(cfg, ContributionSet{"u": {"Development": 5}}); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := ValidateInputs(cfg, ContributionSet{"u": {"Development": -5}}); !errors.Is(err, ErrNegativePoints) {
		t.Fatalf("expected ErrNegativePoints, got %v", err)
	}
	if err := ValidateInputs(cfg, ContributionSet{"u": {"Marketing": 5}}); !errors.Is(err, ErrUnknownPillar) {
		t.Fatalf("expected ErrUnknownPillar, got %v", err)
	}
	if err := ValidateInputs(cfg, ContributionSet{" ": {"Development": 5}}); !errors.Is(err, ErrEmptyUser) {
		t.Fatalf("expected ErrEmptyUser, got %v", err)
	}
}

func TestEngineStateReplacement(t *testing.T) {
	engine, err := NewEngine(singlePillarConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	_, err = engine.ProcessSnapshot(ContributionSet{"u": {"Development": 10}}, nil)
	if err != nil {
		t.Fatalf("process snapshot: %v", err)
	}
	if v := engine.Rollover().Points("u", "Development"); !approx(v, 10) {
		t.Fatalf("engine rollover = %v, want 10", v)
	}

	// Claiming cashes out; the engine's state is the replaced mapping.
	_, err = engine.ProcessSnapshot(nil, ClaimSet{"u": {"Development": true}})
	if err != nil {
		t.Fatalf("process snapshot: %v", err)
	}
	if v := engine.Rollover().Points("u", "Development"); v != 0 {
		t.Fatalf("engine rollover after claim = %v, want 0", v)
	}
}

func TestEngineRejectsInvalidInputs(t *testing.T) {
	engine, err := NewEngine(singlePillarConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	before := engine.Rollover()

	_, err = engine.ProcessSnapshot(ContributionSet{"u": {"Development": -1}}, nil)
	if !errors.Is(err, ErrNegativePoints) {
		t.Fatalf("expected ErrNegativePoints, got %v", err)
	}
	if !reflect.DeepEqual(engine.Rollover(), before) {
		t.Fatal("state must be untouched after rejected input")
	}
}

func TestEngineRestore(t *testing.T) {
	engine, err := NewEngine(singlePillarConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ledger := RolloverState{"u": {"Development": 33}}
	engine.Restore(ledger)

	// Mutating the caller's copy must not leak into the engine.
	ledger["u"]["Development"] = 99
	if v := engine.Rollover().Points("u", "Development"); !approx(v, 33) {
		t.Fatalf("restored rollover = %v, want 33", v)
	}
}

func TestRolloverResultIsDetached(t *testing.T) {
	engine, err := NewEngine(singlePillarConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	result, err := engine.ProcessSnapshot(ContributionSet{"u": {"Development": 10}}, nil)
	if err != nil {
		t.Fatalf("process snapshot: %v", err)
	}

	result.RolloverPoints["u"]["Development"] = 1234
	if v := engine.Rollover().Points("u", "Development"); !approx(v, 10) {
		t.Fatalf("engine state reachable through result: %v", v)
	}
}

func TestEngineCommitFailureKeepsState(t *testing.T) {
	engine, err := NewEngine(singlePillarConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	contribs := ContributionSet{"u": {"Development": 100}}
	before := engine.Rollover()

	commitErr := errors.New("storage down")
	_, err = engine.ProcessSnapshotWith(contribs, nil, func(SnapshotResult) error {
		return commitErr
	})
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if !reflect.DeepEqual(engine.Rollover(), before) {
		t.Fatal("state must be untouched after failed commit")
	}

	// Retrying the same submission must merge the contribution once.
	var committed SnapshotResult
	_, err = engine.ProcessSnapshotWith(contribs, nil, func(res SnapshotResult) error {
		committed = res
		return nil
	})
	if err != nil {
		t.Fatalf("process snapshot: %v", err)
	}
	if v := committed.CurrentPoints["u"]["Development"]; !approx(v, 100) {
		t.Fatalf("current points = %v, want 100", v)
	}
	if v := engine.Rollover().Points("u", "Development"); !approx(v, 100) {
		t.Fatalf("engine rollover = %v, want 100", v)
	}
}
