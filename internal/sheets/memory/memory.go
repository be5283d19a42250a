package memory

import (
	"context"
	"sync"

	"pillars/internal/sheets"
)

// Store keeps exported award rows in memory. It serves local development
// and tests where no spreadsheet is configured.
type Store struct {
	mu   sync.Mutex
	rows []sheets.AwardRow
}

func New() *Store {
	return &Store{}
}

// AppendAwards stores the rows.
func (s *Store) AppendAwards(_ context.Context, rows []sheets.AwardRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

// ListAwards returns a copy of everything appended so far.
func (s *Store) ListAwards(_ context.Context) ([]sheets.AwardRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sheets.AwardRow, len(s.rows))
	copy(out, s.rows)
	return out, nil
}
