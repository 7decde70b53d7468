// pixl/handlers/router.go

package handlers

import (
	"net/http"

	"pixl/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(app App) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(NewStructuredLogger(app.Logger()))
	mux.Use(middleware.Recoverer)

	// Action handlers
	mux.Post("/place", MakeHandler(app, HandlePlace))
	mux.Post("/undo/{placementID}", MakeHandler(app, HandleUndo))
	mux.Post("/report", MakeHandler(app, HandleReport))
	mux.Post("/vote", MakeHandler(app, HandleVote))

	// Account handlers
	mux.Post("/user/create", MakeHandler(app, HandleCreateUser))
	mux.Get("/user/{userID}", MakeHandler(app, HandleGetUser))
	mux.Post("/user/{userID}/credit", MakeHandler(app, HandleCredit))

	// Read handlers
	mux.Get("/board", MakeHandler(app, HandleBoard))
	mux.Get("/stats", MakeHandler(app, HandleStats))
	mux.Get("/leaderboard", MakeHandler(app, HandleLeaderboard))
	mux.Get("/archives", MakeHandler(app, HandleArchives))
	mux.Get("/archives/{archiveID}", MakeHandler(app, HandleArchive))
	mux.Get("/archives/monthly/{year}/{month}", MakeHandler(app, HandleMonthlyArchives))
	mux.Get("/winner/{year}/{month}", MakeHandler(app, HandleWinner))

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"status":"ok","version":"` + config.AppVersion + `"}`)); err != nil {
			app.Logger().Error("Failed to write health response", "error", err)
		}
	})

	return mux
}
