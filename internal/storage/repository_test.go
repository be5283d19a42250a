package storage

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"pillars/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "pillars.db"))
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testConfig() core.Config {
	return core.Config{
		TotalEmissions: 10000,
		Pillars: map[string]core.PillarConfig{
			"Development": {Weight: 1.0, EmissionPct: 0.25},
			"Community":   {Weight: 2.0, EmissionPct: 0.10},
		},
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load before save: %v", err)
	}
	if ok {
		t.Fatal("expected no config before save")
	}

	cfg := testConfig()
	if err := repo.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, ok, err := repo.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !ok {
		t.Fatal("expected config after save")
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Fatalf("loaded config mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}

	// Saving again replaces, never appends.
	cfg.Pillars = map[string]core.PillarConfig{"Solo": {Weight: 1, EmissionPct: 1}}
	if err := repo.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("re-save config: %v", err)
	}
	loaded, _, err = repo.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if len(loaded.Pillars) != 1 {
		t.Fatalf("expected 1 pillar after replace, got %d", len(loaded.Pillars))
	}
}

func TestSaveSnapshotReplacesLedger(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	cfg := testConfig()

	engine, err := core.NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	contribs := core.ContributionSet{
		"alice": {"Development": 100},
		"bob":   {"Development": 300},
	}
	claims := core.ClaimSet{"bob": {"Development": true}}
	result, err := engine.ProcessSnapshot(contribs, claims)
	if err != nil {
		t.Fatalf("process snapshot: %v", err)
	}

	id, err := repo.SaveSnapshot(ctx, "2026-08", result, claims)
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	state, err := repo.LoadRollover(ctx)
	if err != nil {
		t.Fatalf("load rollover: %v", err)
	}
	if v := state.Points("alice", "Development"); v != 100 {
		t.Fatalf("persisted rollover = %v, want 100", v)
	}
	if v := state.Points("bob", "Development"); v != 0 {
		t.Fatalf("claimed rollover persisted = %v, want absent", v)
	}

	awards, err := repo.GetSnapshotAwards(ctx, id)
	if err != nil {
		t.Fatalf("get awards: %v", err)
	}
	// Two users, two configured pillars each.
	if len(awards) != 4 {
		t.Fatalf("expected 4 award rows, got %d", len(awards))
	}
	for _, a := range awards {
		if a.UserID == "bob" && a.Pillar == "Development" {
			if !a.Claimed || a.Tokens != 1875 {
				t.Fatalf("bob award = %+v, want claimed 1875", a)
			}
		}
		if a.UserID == "alice" && a.Pillar == "Development" {
			if a.Claimed || a.Tokens != 0 {
				t.Fatalf("alice award = %+v, want unclaimed 0", a)
			}
		}
	}

	// A second snapshot swaps the ledger wholesale.
	result2, err := engine.ProcessSnapshot(nil, core.ClaimSet{"alice": {"Development": true}})
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if _, err := repo.SaveSnapshot(ctx, "2026-09", result2, core.ClaimSet{"alice": {"Development": true}}); err != nil {
		t.Fatalf("save second snapshot: %v", err)
	}
	state, err = repo.LoadRollover(ctx)
	if err != nil {
		t.Fatalf("reload rollover: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expected empty ledger after cash-out, got %v", state)
	}

	snapshots, err := repo.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].Period != "2026-09" {
		t.Fatalf("newest first ordering violated: %v", snapshots[0].Period)
	}
}

func TestPendingAwardLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	engine, err := core.NewEngine(testConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	claims := core.ClaimSet{"alice": {"Development": true}}
	result, err := engine.ProcessSnapshot(core.ContributionSet{"alice": {"Development": 50}}, claims)
	if err != nil {
		t.Fatalf("process snapshot: %v", err)
	}
	if _, err := repo.SaveSnapshot(ctx, "2026-08", result, claims); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	pending, err := repo.GetPendingAwards(ctx, 10)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	// Only the claimed row is exportable.
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending award, got %d", len(pending))
	}
	if pending[0].UserID != "alice" || pending[0].Pillar != "Development" {
		t.Fatalf("unexpected pending award: %+v", pending[0])
	}

	awardID := pending[0].ID
	if err := repo.MarkAwardSynced(ctx, awardID); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	pending, err = repo.GetPendingAwards(ctx, 10)
	if err != nil {
		t.Fatalf("get pending after sync: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending awards, got %d", len(pending))
	}

	award, err := repo.GetAward(ctx, awardID)
	if err != nil {
		t.Fatalf("get award: %v", err)
	}
	if award.SyncStatus != "synced" {
		t.Fatalf("sync status = %s, want synced", award.SyncStatus)
	}

	if err := repo.MarkAwardSyncError(ctx, award.ID); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	award, err = repo.GetAward(ctx, award.ID)
	if err != nil {
		t.Fatalf("get award after error: %v", err)
	}
	if award.SyncStatus != "error" {
		t.Fatalf("sync status = %s, want error", award.SyncStatus)
	}

	// Error rows go back into the export queue for retry.
	pending, err = repo.GetPendingAwards(ctx, 10)
	if err != nil {
		t.Fatalf("get pending after error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != awardID {
		t.Fatalf("expected errored award back in queue, got %+v", pending)
	}
}
