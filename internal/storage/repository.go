package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pillars/internal/core"

	_ "modernc.org/sqlite"
)

// SQLiteRepository persists the configuration, the rollover ledger and the
// snapshot/award history. The core engine never touches it; the hosting
// application loads state at startup and writes results after each snapshot.
type SQLiteRepository struct {
	db *sql.DB
}

// Snapshot is one processed period as stored.
type Snapshot struct {
	ID        int64
	Period    string
	CreatedAt time.Time
}

// Award is one user/pillar outcome row for a snapshot.
type Award struct {
	ID         int64
	SnapshotID int64
	UserID     string
	Pillar     string
	Points     float64
	Claimed    bool
	Tokens     float64
	SyncStatus string
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// SaveConfig replaces the stored configuration wholesale.
func (r *SQLiteRepository) SaveConfig(ctx context.Context, cfg core.Config) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO emission_config (id, total_emissions, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET total_emissions = excluded.total_emissions, updated_at = CURRENT_TIMESTAMP`,
		cfg.TotalEmissions); err != nil {
		return fmt.Errorf("upsert emission config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pillars`); err != nil {
		return fmt.Errorf("clear pillars: %w", err)
	}
	for _, name := range cfg.PillarNames() {
		pc := cfg.Pillars[name]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pillars (name, weight, emission_pct) VALUES (?, ?, ?)`,
			name, pc.Weight, pc.EmissionPct); err != nil {
			return fmt.Errorf("insert pillar %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Configuration saved",
		"total_emissions", cfg.TotalEmissions,
		"pillars", len(cfg.Pillars))
	return nil
}

// LoadConfig returns the stored configuration. The second return value is
// false when no configuration has been saved yet.
func (r *SQLiteRepository) LoadConfig(ctx context.Context) (core.Config, bool, error) {
	var total float64
	err := r.db.QueryRowContext(ctx, `SELECT total_emissions FROM emission_config WHERE id = 1`).Scan(&total)
	if err == sql.ErrNoRows {
		return core.Config{}, false, nil
	}
	if err != nil {
		return core.Config{}, false, fmt.Errorf("load emission config: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT name, weight, emission_pct FROM pillars`)
	if err != nil {
		return core.Config{}, false, fmt.Errorf("load pillars: %w", err)
	}
	defer rows.Close()

	cfg := core.Config{TotalEmissions: total, Pillars: map[string]core.PillarConfig{}}
	for rows.Next() {
		var name string
		var pc core.PillarConfig
		if err := rows.Scan(&name, &pc.Weight, &pc.EmissionPct); err != nil {
			return core.Config{}, false, fmt.Errorf("scan pillar: %w", err)
		}
		cfg.Pillars[name] = pc
	}
	if err := rows.Err(); err != nil {
		return core.Config{}, false, fmt.Errorf("iterate pillars: %w", err)
	}
	return cfg, true, nil
}

// LoadRollover reads the persisted ledger into the core's state mapping.
func (r *SQLiteRepository) LoadRollover(ctx context.Context) (core.RolloverState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, pillar, points FROM rollover_ledger`)
	if err != nil {
		return nil, fmt.Errorf("load rollover ledger: %w", err)
	}
	defer rows.Close()

	state := core.RolloverState{}
	for rows.Next() {
		var user, pillar string
		var points float64
		if err := rows.Scan(&user, &pillar, &points); err != nil {
			return nil, fmt.Errorf("scan rollover row: %w", err)
		}
		if state[user] == nil {
			state[user] = core.PointsByPillar{}
		}
		state[user][pillar] = points
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rollover rows: %w", err)
	}
	return state, nil
}

// SaveSnapshot records one processed period in a single transaction: the
// snapshot row, one award row per user/pillar, and the wholesale ledger
// replacement mirroring the core's atomic state swap.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, period string, result core.SnapshotResult, claims core.ClaimSet) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO snapshots (period) VALUES (?)`, period)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("snapshot id: %w", err)
	}

	for user, tokens := range result.UserTokens {
		for pillar, amount := range tokens {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO awards (snapshot_id, user_id, pillar, points, claimed, tokens) VALUES (?, ?, ?, ?, ?, ?)`,
				snapshotID, user, pillar, result.CurrentPoints[user][pillar], claims.Claimed(user, pillar), amount); err != nil {
				return 0, fmt.Errorf("insert award %s/%s: %w", user, pillar, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rollover_ledger`); err != nil {
		return 0, fmt.Errorf("clear rollover ledger: %w", err)
	}
	for user, pts := range result.RolloverPoints {
		for pillar, points := range pts {
			if points == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rollover_ledger (user_id, pillar, points) VALUES (?, ?, ?)`,
				user, pillar, points); err != nil {
				return 0, fmt.Errorf("insert rollover %s/%s: %w", user, pillar, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	slog.InfoContext(ctx, "Snapshot saved",
		"snapshot_id", snapshotID,
		"period", period,
		"users", len(result.UserTokens))
	return snapshotID, nil
}

// ListSnapshots returns processed periods, newest first.
func (r *SQLiteRepository) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, period, created_at FROM snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var createdAt string
		if err := rows.Scan(&s.ID, &s.Period, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.CreatedAt = parseTimestamp(createdAt)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// GetSnapshot retrieves a single snapshot by ID.
func (r *SQLiteRepository) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	var s Snapshot
	var createdAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, period, created_at FROM snapshots WHERE id = ?`, id).
		Scan(&s.ID, &s.Period, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("get snapshot by id: %w", err)
	}
	s.CreatedAt = parseTimestamp(createdAt)
	return &s, nil
}

// GetSnapshotAwards returns the award rows for one snapshot, ordered for
// stable export.
func (r *SQLiteRepository) GetSnapshotAwards(ctx context.Context, snapshotID int64) ([]Award, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, snapshot_id, user_id, pillar, points, claimed, tokens, sync_status
		 FROM awards WHERE snapshot_id = ? ORDER BY user_id, pillar`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot awards: %w", err)
	}
	defer rows.Close()
	return scanAwards(rows)
}

// GetPendingAwards returns claimed awards not yet exported, oldest first.
// Unclaimed rows never leave the database; only realized payouts are
// pushed to the sheet.
func (r *SQLiteRepository) GetPendingAwards(ctx context.Context, limit int) ([]Award, error) {
	// 'error' rows stay in the queue: a failed append is retried by the
	// next sweep, the status only records that an attempt failed.
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, snapshot_id, user_id, pillar, points, claimed, tokens, sync_status
		 FROM awards WHERE sync_status IN ('pending', 'error') AND claimed = 1 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending awards: %w", err)
	}
	defer rows.Close()
	return scanAwards(rows)
}

// GetAward retrieves a single award row by ID.
func (r *SQLiteRepository) GetAward(ctx context.Context, id int64) (*Award, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, snapshot_id, user_id, pillar, points, claimed, tokens, sync_status
		 FROM awards WHERE id = ?`, id)
	var a Award
	if err := row.Scan(&a.ID, &a.SnapshotID, &a.UserID, &a.Pillar, &a.Points, &a.Claimed, &a.Tokens, &a.SyncStatus); err != nil {
		return nil, fmt.Errorf("get award by id: %w", err)
	}
	return &a, nil
}

// MarkAwardSynced marks an award as successfully exported.
func (r *SQLiteRepository) MarkAwardSynced(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE awards SET sync_status = 'synced', synced_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark award synced: %w", err)
	}
	slog.InfoContext(ctx, "Award marked as synced", "id", id)
	return nil
}

// MarkAwardSyncError marks an award as having failed export.
func (r *SQLiteRepository) MarkAwardSyncError(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE awards SET sync_status = 'error' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark award sync error: %w", err)
	}
	slog.WarnContext(ctx, "Award marked with sync error", "id", id)
	return nil
}

// parseTimestamp reads the formats sqlite's CURRENT_TIMESTAMP and RFC3339
// writers produce. Zero time on anything else.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func scanAwards(rows *sql.Rows) ([]Award, error) {
	var out []Award
	for rows.Next() {
		var a Award
		if err := rows.Scan(&a.ID, &a.SnapshotID, &a.UserID, &a.Pillar, &a.Points, &a.Claimed, &a.Tokens, &a.SyncStatus); err != nil {
			return nil, fmt.Errorf("scan award: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate awards: %w", err)
	}
	return out, nil
}
