package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"pillars/internal/core"
	"pillars/internal/storage"
	"pillars/internal/tabular"
)

type snapshotsView struct {
	Snapshots []storage.Snapshot
	Highlight int64
}

// handleListSnapshots shows the processed snapshot history, newest
// first. JSON clients get the raw list.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.store.ListSnapshots(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list snapshots", "error", err)
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshots); err != nil {
			slog.ErrorContext(r.Context(), "Failed to encode response", "error", err)
		}
		return
	}

	highlight, _ := strconv.ParseInt(r.URL.Query().Get("highlight"), 10, 64)
	s.render(w, r, "snapshots.html", snapshotsView{Snapshots: snapshots, Highlight: highlight})
}

// handleAwardsCSV downloads one snapshot's awards as user,pillar,tokens.
func (s *Server) handleAwardsCSV(w http.ResponseWriter, r *http.Request) {
	snapshotID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid snapshot id", http.StatusBadRequest)
		return
	}

	awards, err := s.store.GetSnapshotAwards(r.Context(), snapshotID)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load awards", "snapshot_id", snapshotID, "error", err)
		http.Error(w, "failed to load awards", http.StatusInternalServerError)
		return
	}
	if len(awards) == 0 {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}

	userTokens := map[string]map[string]float64{}
	for _, a := range awards {
		if userTokens[a.UserID] == nil {
			userTokens[a.UserID] = map[string]float64{}
		}
		userTokens[a.UserID][a.Pillar] = a.Tokens
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=awards-%d.csv", snapshotID))
	if err := tabular.WriteAwards(w, userTokens); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write awards export", "snapshot_id", snapshotID, "error", err)
	}
}

type rolloverView struct {
	Rows []rolloverRowView
}

// handleRollover shows the ledger carried into the next period.
func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	state := s.currentRollover()

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rolloverAsMaps(state)); err != nil {
			slog.ErrorContext(r.Context(), "Failed to encode response", "error", err)
		}
		return
	}

	s.render(w, r, "rollover.html", rolloverView{Rows: rolloverRows(state)})
}

// handleRolloverCSV downloads the ledger as user,pillar,points.
func (s *Server) handleRolloverCSV(w http.ResponseWriter, r *http.Request) {
	state := s.currentRollover()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=rollover.csv")
	if err := tabular.WriteRollover(w, state); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write rollover export", "error", err)
	}
}

func (s *Server) currentRollover() core.RolloverState {
	if engine := s.Engine(); engine != nil {
		return engine.Rollover()
	}
	return core.RolloverState{}
}
