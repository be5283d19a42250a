package http

import (
	"log/slog"
	"net/http"
	"sort"

	"pillars/internal/core"
	"pillars/internal/storage"
)

type pillarView struct {
	Name        string
	Weight      float64
	EmissionPct float64
}

type rolloverRowView struct {
	UserID string
	Pillar string
	Points string
}

type indexView struct {
	Configured     bool
	TotalEmissions float64
	Pillars        []pillarView
	Rollover       []rolloverRowView
	Snapshots      []storage.Snapshot
}

// handleIndex renders the operator page: configuration, the rollover
// ledger and the snapshot entry forms.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := indexView{}

	if engine := s.Engine(); engine != nil {
		cfg := engine.Config()
		view.Configured = true
		view.TotalEmissions = cfg.TotalEmissions
		for _, name := range cfg.PillarNames() {
			pc := cfg.Pillars[name]
			view.Pillars = append(view.Pillars, pillarView{
				Name:        name,
				Weight:      pc.Weight,
				EmissionPct: pc.EmissionPct,
			})
		}
		view.Rollover = rolloverRows(engine.Rollover())
	}

	snapshots, err := s.store.ListSnapshots(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list snapshots", "error", err)
	} else {
		if len(snapshots) > 10 {
			snapshots = snapshots[:10]
		}
		view.Snapshots = snapshots
	}

	s.render(w, r, "index.html", view)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	if s.templates == nil {
		http.Error(w, "templates unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.ErrorContext(r.Context(), "Template execution failed", "template", name, "error", err)
	}
}

func rolloverRows(state core.RolloverState) []rolloverRowView {
	var rows []rolloverRowView
	for user, pts := range state {
		for pillar, points := range pts {
			if points == 0 {
				continue
			}
			rows = append(rows, rolloverRowView{
				UserID: user,
				Pillar: pillar,
				Points: formatTokens(points),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].Pillar < rows[j].Pillar
	})
	return rows
}
