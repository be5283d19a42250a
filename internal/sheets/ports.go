package sheets

import (
	"context"
)

// AwardRow is one exported payout line: the flattened
// (period, user, pillar, tokens) form consumed by spreadsheet viewers.
type AwardRow struct {
	Period string
	UserID string
	Pillar string
	Points float64
	Tokens float64
}

// Ports for outbound adapters.
type (
	// AwardWriter appends realized award rows to the export target.
	AwardWriter interface {
		AppendAwards(ctx context.Context, rows []AwardRow) error
	}

	// AwardReader lists previously exported rows, used for display and
	// duplicate checks in tests.
	AwardReader interface {
		ListAwards(ctx context.Context) ([]AwardRow, error)
	}
)
