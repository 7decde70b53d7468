// pixl/handlers/board.go

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"pixl/models"
)

type pixelPayload struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     string `json:"color"`
	OwnerID   *int64 `json:"owner_id"`
	CostLevel int64  `json:"cost_level"`
	IsAd      bool   `json:"is_ad"`
	UpdatedAt string `json:"updated_at"`
}

// HandleBoard returns every written cell. Reads also trigger the lazy weekly
// rollover so a stale board can't be served across a cycle boundary.
func HandleBoard(w http.ResponseWriter, r *http.Request, app App) {
	if _, err := app.DB().CheckCycleRollover(); err != nil {
		respondError(w, r, err, app)
		return
	}

	pixels, err := app.DB().GetBoardSnapshot()
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	payload := make([]pixelPayload, 0, len(pixels))
	for _, p := range pixels {
		entry := pixelPayload{
			X:         p.X,
			Y:         p.Y,
			Color:     p.Color,
			CostLevel: p.CostLevel,
			IsAd:      p.IsAd,
			UpdatedAt: p.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		if p.OwnerID.Valid {
			owner := p.OwnerID.Int64
			entry.OwnerID = &owner
		}
		payload = append(payload, entry)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pixels": payload}, app)
}

// HandleStats returns the live counters for the current cycle.
func HandleStats(w http.ResponseWriter, r *http.Request, app App) {
	if _, err := app.DB().CheckCycleRollover(); err != nil {
		respondError(w, r, err, app)
		return
	}

	stats, err := app.DB().GetStats()
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, stats, app)
}

// HandleLeaderboard lists the top accounts by lifetime paid placements.
func HandleLeaderboard(w http.ResponseWriter, r *http.Request, app App) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, r, models.NewError(models.KindInvalidArgument, "invalid limit: %q", raw), app)
			return
		}
		limit = n
	}

	entries, err := app.DB().Leaderboard(limit)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries}, app)
}

// HandleArchives lists every archived week, newest first.
func HandleArchives(w http.ResponseWriter, r *http.Request, app App) {
	archives, err := app.DB().ListArchives()
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"archives": archives}, app)
}

type archivePayload struct {
	models.Archive
	Snapshot json.RawMessage `json:"snapshot"`
}

// HandleArchive returns one archive with its full board snapshot.
func HandleArchive(w http.ResponseWriter, r *http.Request, app App) {
	archiveID, err := urlInt(r, "archiveID")
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	archive, snapshot, err := app.DB().GetArchive(archiveID)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, archivePayload{Archive: *archive, Snapshot: snapshot}, app)
}

// HandleMonthlyArchives lists the archives a monthly vote can target.
func HandleMonthlyArchives(w http.ResponseWriter, r *http.Request, app App) {
	year, err := urlInt(r, "year")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	month, err := urlInt(r, "month")
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	archives, err := app.DB().ListMonthlyArchives(int(year), int(month))
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"archives": archives}, app)
}

// HandleWinner resolves (and, when eligible, rewards) the monthly winner.
func HandleWinner(w http.ResponseWriter, r *http.Request, app App) {
	year, err := urlInt(r, "year")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	month, err := urlInt(r, "month")
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	result, err := app.DB().ResolveMonthlyWinner(int(year), int(month))
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, result, app)
}
