// pixl/handlers/actions.go

package handlers

import (
	"net/http"

	"pixl/models"
	"pixl/utils"

	"github.com/google/uuid"
)

type placeRequest struct {
	UserID int64  `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Color  string `json:"color"`
	IsAd   bool   `json:"is_ad"`
}

// HandlePlace writes one cell. The weekly rollover check runs lazily here, so
// the first placement after a boundary pays the archival cost.
func HandlePlace(w http.ResponseWriter, r *http.Request, app App) {
	var req placeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err, app)
		return
	}

	// Rejection order: freeze, then the lazy boundary check, then user
	// existence, then the rate limit. A frozen board rejects before the
	// rollover can clear it, and the limiter never consumes a token for a
	// request that was doomed anyway.
	frozen, err := app.DB().IsBoardFrozen()
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	if frozen {
		respondError(w, r, models.NewError(models.KindPreconditionFailed, "board is frozen due to reports"), app)
		return
	}

	if _, err := app.DB().CheckCycleRollover(); err != nil {
		respondError(w, r, err, app)
		return
	}

	if _, err := app.DB().GetUser(req.UserID); err != nil {
		respondError(w, r, err, app)
		return
	}

	if !app.RateLimiter().Allow(req.UserID) {
		respondJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded. One placement per second.",
		}, app)
		return
	}

	result, err := app.DB().PlacePixel(req.UserID, req.X, req.Y, req.Color, req.IsAd)
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	// Cap adjustment scans the board; keep it off the request path.
	go func() {
		if err := app.DB().AdjustDynamicCap(); err != nil {
			app.Logger().Error("Failed to adjust dynamic cap", "error", err)
		}
	}()

	respondJSON(w, http.StatusOK, result, app)
}

type undoRequest struct {
	UserID int64 `json:"user_id"`
}

// HandleUndo reverses a placement inside the undo window for a fee.
func HandleUndo(w http.ResponseWriter, r *http.Request, app App) {
	placementID, err := urlInt(r, "placementID")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	var req undoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err, app)
		return
	}

	result, err := app.DB().UndoPlacement(placementID, req.UserID)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, result, app)
}

type reportRequest struct {
	UserID int64  `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Reason string `json:"reason"`
}

// HandleReport files a report against a cell. Reporter IPs are stored only as
// salted hashes.
func HandleReport(w http.ResponseWriter, r *http.Request, app App) {
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err, app)
		return
	}

	ipHash := utils.HashIP(utils.GetIPAddress(r))
	result, err := app.DB().ReportPixel(req.UserID, req.X, req.Y, req.Reason, ipHash)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, result, app)
}

type voteRequest struct {
	UserID    int64 `json:"user_id"`
	ArchiveID int64 `json:"archive_id"`
}

// HandleVote casts the caller's single monthly vote for an archived week.
func HandleVote(w http.ResponseWriter, r *http.Request, app App) {
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err, app)
		return
	}

	if err := app.DB().CastVote(req.UserID, req.ArchiveID); err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "vote recorded"}, app)
}

type createUserRequest struct {
	Username       string `json:"username"`
	InitialCredits int64  `json:"initial_credits"`
}

type userPayload struct {
	UserID                 int64  `json:"user_id"`
	Username               string `json:"username"`
	Credits                int64  `json:"credits"`
	LifetimePaidPlacements int64  `json:"lifetime_paid_placements"`
	UndoEscalationCount    int64  `json:"undo_escalation_count"`
	AdViolationCount       int64  `json:"ad_violation_count"`
	LastRewardMonth        string `json:"last_reward_month,omitempty"`
	CreatedAt              string `json:"created_at"`
}

func toUserPayload(u *models.User) userPayload {
	return userPayload{
		UserID:                 u.ID,
		Username:               u.Username,
		Credits:                u.Credits,
		LifetimePaidPlacements: u.LifetimePaidPlacements,
		UndoEscalationCount:    u.UndoEscalationCount,
		AdViolationCount:       u.AdViolationCount,
		LastRewardMonth:        u.LastRewardMonth.String,
		CreatedAt:              u.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
}

// HandleCreateUser registers a new account.
func HandleCreateUser(w http.ResponseWriter, r *http.Request, app App) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err, app)
		return
	}

	user, err := app.DB().CreateUser(req.Username, req.InitialCredits)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, toUserPayload(user), app)
}

// HandleGetUser returns one account's balances and counters.
func HandleGetUser(w http.ResponseWriter, r *http.Request, app App) {
	userID, err := urlInt(r, "userID")
	if err != nil {
		respondError(w, r, err, app)
		return
	}

	user, err := app.DB().GetUser(userID)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, toUserPayload(user), app)
}

type creditRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// HandleCredit tops up an account. A missing reference gets a generated one;
// replaying a reference is a conflict, which makes the endpoint safe to retry.
func HandleCredit(w http.ResponseWriter, r *http.Request, app App) {
	userID, err := urlInt(r, "userID")
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err, app)
		return
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	balance, err := app.DB().CreditUser(userID, req.Amount, req.Reference)
	if err != nil {
		respondError(w, r, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"new_balance": balance,
		"reference":   req.Reference,
	}, app)
}
