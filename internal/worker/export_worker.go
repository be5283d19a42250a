package worker

import (
	"context"
	"fmt"
	"log/slog"

	"pillars/internal/amqp"
	"pillars/internal/sheets"
	"pillars/internal/storage"
)

// ExportWorker pushes realized awards from the database to the export
// target. The AMQP message path is the fast path; ProcessPendingAwards is
// the backup sweep in case messages are lost.
type ExportWorker struct {
	storage   *storage.SQLiteRepository
	writer    sheets.AwardWriter
	batchSize int
}

func NewExportWorker(storage *storage.SQLiteRepository, writer sheets.AwardWriter, batchSize int) *ExportWorker {
	return &ExportWorker{
		storage:   storage,
		writer:    writer,
		batchSize: batchSize,
	}
}

// HandleSnapshotMessage exports the claimed awards of one snapshot.
func (w *ExportWorker) HandleSnapshotMessage(ctx context.Context, msg *amqp.SnapshotProcessedMessage) error {
	slog.InfoContext(ctx, "Processing snapshot message",
		"snapshot_id", msg.SnapshotID,
		"period", msg.Period)

	awards, err := w.storage.GetSnapshotAwards(ctx, msg.SnapshotID)
	if err != nil {
		return fmt.Errorf("get snapshot awards: %w", err)
	}

	// Anything not yet synced is exportable; 'error' rows from an earlier
	// failed append get retried here too.
	pending := make([]storage.Award, 0, len(awards))
	for _, a := range awards {
		if a.Claimed && a.SyncStatus != "synced" {
			pending = append(pending, a)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	return w.exportAwards(ctx, msg.Period, pending)
}

// ProcessPendingAwards exports any claimed awards that have not been
// exported yet, in batches.
func (w *ExportWorker) ProcessPendingAwards(ctx context.Context) error {
	pending, err := w.storage.GetPendingAwards(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending awards: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending awards", "count", len(pending))

	// Awards from different snapshots carry different period labels, so
	// export per snapshot.
	bySnapshot := map[int64][]storage.Award{}
	for _, a := range pending {
		bySnapshot[a.SnapshotID] = append(bySnapshot[a.SnapshotID], a)
	}

	for snapshotID, awards := range bySnapshot {
		snapshot, err := w.storage.GetSnapshot(ctx, snapshotID)
		if err != nil {
			return fmt.Errorf("get snapshot %d: %w", snapshotID, err)
		}
		if err := w.exportAwards(ctx, snapshot.Period, awards); err != nil {
			return fmt.Errorf("export snapshot %d: %w", snapshotID, err)
		}
	}
	return nil
}

// StartupExportCheck drains the backlog once at startup so that awards
// recorded while the worker was down still reach the sheet.
func (w *ExportWorker) StartupExportCheck(ctx context.Context) error {
	return w.ProcessPendingAwards(ctx)
}

func (w *ExportWorker) exportAwards(ctx context.Context, period string, awards []storage.Award) error {
	rows := make([]sheets.AwardRow, 0, len(awards))
	for _, a := range awards {
		rows = append(rows, sheets.AwardRow{
			Period: period,
			UserID: a.UserID,
			Pillar: a.Pillar,
			Points: a.Points,
			Tokens: a.Tokens,
		})
	}

	if err := w.writer.AppendAwards(ctx, rows); err != nil {
		for _, a := range awards {
			if markErr := w.storage.MarkAwardSyncError(ctx, a.ID); markErr != nil {
				slog.ErrorContext(ctx, "Failed to mark award sync error",
					"id", a.ID, "error", markErr)
			}
		}
		return fmt.Errorf("append awards: %w", err)
	}

	for _, a := range awards {
		if err := w.storage.MarkAwardSynced(ctx, a.ID); err != nil {
			return fmt.Errorf("mark award synced: %w", err)
		}
	}

	slog.InfoContext(ctx, "Exported awards",
		"period", period,
		"rows", len(rows))
	return nil
}
