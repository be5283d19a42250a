package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"pillars/internal/core"
	"pillars/internal/tabular"
)

const maxUploadBytes = 4 << 20 // 4MB

// handleSaveConfig stores a new configuration and swaps in a fresh
// engine carrying the persisted ledger.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	total, err := strconv.ParseFloat(strings.TrimSpace(r.Form.Get("total_emissions")), 64)
	if err != nil {
		http.Error(w, "invalid total emissions", http.StatusBadRequest)
		return
	}

	names := r.Form["pillar_name"]
	weights := r.Form["pillar_weight"]
	pcts := r.Form["pillar_pct"]
	if len(names) == 0 || len(names) != len(weights) || len(names) != len(pcts) {
		http.Error(w, "pillar rows incomplete", http.StatusBadRequest)
		return
	}

	cfg := core.Config{TotalEmissions: total, Pillars: map[string]core.PillarConfig{}}
	for i, rawName := range names {
		name := sanitizeInput(rawName)
		if name == "" {
			continue
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(weights[i]), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid weight for pillar %s", name), http.StatusBadRequest)
			return
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(pcts[i]), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid emission percentage for pillar %s", name), http.StatusBadRequest)
			return
		}
		cfg.Pillars[name] = core.PillarConfig{Weight: weight, EmissionPct: pct}
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.SaveConfig(r.Context(), cfg); err != nil {
		slog.ErrorContext(r.Context(), "Failed to save configuration", "error", err)
		http.Error(w, "failed to save configuration", http.StatusInternalServerError)
		return
	}

	// Carry the persisted ledger into the new engine: changing weights
	// never forfeits anyone's unclaimed points.
	state, err := s.store.LoadRollover(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load rollover ledger", "error", err)
		http.Error(w, "failed to load rollover ledger", http.StatusInternalServerError)
		return
	}
	engine.Restore(state)
	s.setEngine(engine)

	slog.InfoContext(r.Context(), "Configuration updated",
		"total_emissions", cfg.TotalEmissions,
		"pillars", len(cfg.Pillars))

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// snapshotRequest is the JSON alternative to the form rows.
type snapshotRequest struct {
	Period        string                        `json:"period"`
	Contributions map[string]map[string]float64 `json:"contributions"`
	Claims        map[string]map[string]bool    `json:"claims"`
}

type snapshotResponse struct {
	SnapshotID int64                         `json:"snapshot_id"`
	Period     string                        `json:"period"`
	UserTokens map[string]map[string]float64 `json:"user_tokens"`
	Rollover   map[string]map[string]float64 `json:"rollover_points"`
}

// handleSnapshot processes one period from manual entry. It accepts
// either JSON or repeated form rows (row_user, row_pillar, row_points,
// row_claim).
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var (
		period   string
		contribs core.ContributionSet
		claims   core.ClaimSet
	)

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req snapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		period = sanitizeInput(req.Period)
		contribs = core.ContributionSet{}
		for user, pts := range req.Contributions {
			contribs[user] = core.PointsByPillar(pts)
		}
		claims = core.ClaimSet(req.Claims)
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}
		period = sanitizeInput(r.Form.Get("period"))
		var err error
		contribs, claims, err = parseSnapshotRows(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if period == "" {
		period = defaultPeriod()
	}

	s.processAndRespond(w, r, period, contribs, claims)
}

// handleSnapshotUpload processes one period from a tabular upload file.
func (s *Server) handleSnapshotUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing upload file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contribs, claims, err := tabular.ParseContributions(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	period := sanitizeInput(r.FormValue("period"))
	if period == "" {
		period = defaultPeriod()
	}

	s.processAndRespond(w, r, period, contribs, claims)
}

// parseSnapshotRows reads the repeated manual-entry rows. Duplicate
// user/pillar rows sum their points; the last claim value wins, same as
// the tabular upload.
func parseSnapshotRows(r *http.Request) (core.ContributionSet, core.ClaimSet, error) {
	users := r.Form["row_user"]
	pillarNames := r.Form["row_pillar"]
	points := r.Form["row_points"]
	claimValues := r.Form["row_claim"]

	if len(users) == 0 {
		return nil, nil, errors.New("no contribution rows submitted")
	}
	if len(users) != len(pillarNames) || len(users) != len(points) || len(users) != len(claimValues) {
		return nil, nil, errors.New("contribution rows incomplete")
	}

	contribs := core.ContributionSet{}
	claims := core.ClaimSet{}
	for i := range users {
		user := sanitizeInput(users[i])
		pillar := sanitizeInput(pillarNames[i])
		if user == "" && pillar == "" {
			continue
		}
		if user == "" || pillar == "" {
			return nil, nil, fmt.Errorf("row %d: empty user or pillar", i+1)
		}
		pts, err := strconv.ParseFloat(strings.TrimSpace(points[i]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: invalid points %q", i+1, points[i])
		}
		if contribs[user] == nil {
			contribs[user] = core.PointsByPillar{}
			claims[user] = map[string]bool{}
		}
		contribs[user][pillar] += pts
		claims[user][pillar] = tabular.ParseClaim(claimValues[i])
	}
	if len(contribs) == 0 {
		return nil, nil, errors.New("no contribution rows submitted")
	}
	return contribs, claims, nil
}

// processAndRespond runs the shared snapshot pipeline: engine, storage,
// event publish, response.
func (s *Server) processAndRespond(w http.ResponseWriter, r *http.Request, period string, contribs core.ContributionSet, claims core.ClaimSet) {
	engine := s.Engine()
	if engine == nil {
		http.Error(w, "no configuration saved yet", http.StatusConflict)
		return
	}

	// The engine commits its new rollover state only once the snapshot is
	// persisted, so a failed save can be retried with the same submission.
	var snapshotID int64
	result, err := engine.ProcessSnapshotWith(contribs, claims, func(res core.SnapshotResult) error {
		id, err := s.store.SaveSnapshot(r.Context(), period, res, claims)
		if err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
		snapshotID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrNegativePoints) || errors.Is(err, core.ErrUnknownPillar) || errors.Is(err, core.ErrEmptyUser) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(r.Context(), "Failed to persist snapshot", "error", err)
		http.Error(w, "failed to persist snapshot", http.StatusInternalServerError)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSnapshotProcessed(r.Context(), snapshotID, period, len(result.UserTokens)); err != nil {
			// The worker's periodic sweep covers lost events.
			slog.WarnContext(r.Context(), "Failed to publish snapshot event",
				"snapshot_id", snapshotID, "error", err)
		}
	}

	slog.InfoContext(r.Context(), "Snapshot processed",
		"snapshot_id", snapshotID,
		"period", period,
		"users", len(result.UserTokens))

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		resp := snapshotResponse{
			SnapshotID: snapshotID,
			Period:     period,
			UserTokens: result.UserTokens,
			Rollover:   rolloverAsMaps(result.RolloverPoints),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "Failed to encode response", "error", err)
		}
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/snapshots?highlight=%d", snapshotID), http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func rolloverAsMaps(state core.RolloverState) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(state))
	for user, pts := range state {
		out[user] = pts
	}
	return out
}
