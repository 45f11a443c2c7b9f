// Package recents serves the per-user most recently used games and battle
// locations kept in the local store.
package recents

import (
	"context"
	"net/http"

	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/Bamington/battleplanapp-sub000/handlers/api/respond"
	"github.com/Bamington/battleplanapp-sub000/localstore"
	"github.com/Bamington/battleplanapp-sub000/middleware"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	GamesReader interface {
		Load(ctx context.Context, key cache.Key) ([]core.Resource, error)
	}

	// Recorder updates the recents lists when games are picked and battles
	// are logged.
	Recorder struct {
		Store *localstore.Store
	}
)

// Touched records a game as recently used, and a battle's game and location.
func (rec Recorder) Touched(userID, resourceType string, r core.Resource) {
	if userID == "" {
		return
	}
	log := logrus.WithFields(logrus.Fields{"user": userID, "type": resourceType})

	var gameID, location string
	switch resourceType {
	case core.TypeGames:
		gameID = r.ID
	case core.TypeBattles:
		gameID = r.Text(core.FieldGameID)
		location = r.Text(core.FieldLocation)
	default:
		return
	}

	if gameID != "" {
		if _, err := rec.Store.PushRecentGame(userID, gameID); err != nil {
			log.WithError(err).Warn("Failed to record recent game")
		}
	}
	if location != "" {
		if _, err := rec.Store.AddLocation(userID, location); err != nil {
			log.WithError(err).Warn("Failed to record location")
		}
	}
}

// HandleRecentGames returns the user's recent games, newest first. Games
// that no longer exist are skipped.
func HandleRecentGames(store *localstore.Store, games GamesReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r.Context())
		ids := store.RecentGames(userID)
		if len(ids) == 0 {
			render.JSON(w, r, []core.Resource{})
			return
		}

		all, err := games.Load(r.Context(), cache.KeyFor(core.TypeGames, userID))
		if err != nil && len(all) == 0 {
			respond.Error(w, r, err)
			return
		}
		byID := make(map[string]core.Resource, len(all))
		for _, g := range all {
			byID[g.ID] = g
		}

		out := make([]core.Resource, 0, len(ids))
		for _, id := range ids {
			if g, ok := byID[id]; ok {
				out = append(out, g)
			}
		}
		render.JSON(w, r, out)
	}
}

// HandleLocations returns the user's previously entered locations.
func HandleLocations(store *localstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, store.Locations(middleware.UserID(r.Context())))
	}
}
