// Package resources serves resource collections through the ResourceStore
// and changes them through the mutation coordinator.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/Bamington/battleplanapp-sub000/handlers/api/respond"
	"github.com/Bamington/battleplanapp-sub000/middleware"
	"github.com/Bamington/battleplanapp-sub000/mutation"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// Reader is the ResourceStore side of the handlers. Load serves a stale
	// collection while revalidating but waits when nothing is cached yet.
	Reader interface {
		Load(ctx context.Context, key cache.Key) ([]core.Resource, error)
		Refresh(ctx context.Context, key cache.Key) ([]core.Resource, error)
	}

	Mutator interface {
		Create(ctx context.Context, key cache.Key, payload map[string]any) (*core.Resource, error)
		Update(ctx context.Context, key cache.Key, id string, payload map[string]any) (*core.Resource, error)
		Delete(ctx context.Context, key cache.Key, id string) error
		FindOrCreate(ctx context.Context, key cache.Key, naturalKey string) (*core.Resource, error)
		UpdateMany(ctx context.Context, key cache.Key, ids []string, payload map[string]any) (mutation.BulkResult, error)
	}

	// Recorder is told about every resource a request created or selected.
	Recorder interface {
		Touched(userID, resourceType string, r core.Resource)
	}

	FindOrCreateRequest struct {
		Name string `json:"name"`
	}

	BulkUpdateRequest struct {
		IDs    []string       `json:"ids"`
		Fields map[string]any `json:"fields"`
	}

	BulkFailure struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}

	BulkUpdateResponse struct {
		Attempted int           `json:"attempted"`
		Succeeded int           `json:"succeeded"`
		Failures  []BulkFailure `json:"failures,omitempty"`
	}
)

func keyFor(r *http.Request) cache.Key {
	return cache.KeyFor(chi.URLParam(r, "type"), middleware.UserID(r.Context()))
}

func decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	defer r.Body.Close()
	var payload map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		logrus.WithError(err).Debug("Failed to decode request")
		respond.BadRequest(w, r, "Invalid request body")
		return nil, false
	}
	return payload, true
}

// HandleList returns the collection of a resource type. Anonymous callers
// get an empty list for user-scoped types.
func HandleList(store Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := core.LookupType(chi.URLParam(r, "type")); !ok {
			respond.Error(w, r, unknownType(r))
			return
		}
		list, err := store.Load(r.Context(), keyFor(r))
		if err != nil && len(list) == 0 {
			respond.Error(w, r, err)
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("type", chi.URLParam(r, "type")).Warn("Serving last known data after failed refresh")
		}
		render.JSON(w, r, list)
	}
}

// HandleRefresh refetches a collection, bypassing freshness.
func HandleRefresh(store Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := core.LookupType(chi.URLParam(r, "type")); !ok {
			respond.Error(w, r, unknownType(r))
			return
		}
		list, err := store.Refresh(r.Context(), keyFor(r))
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		render.JSON(w, r, list)
	}
}

func HandleCreate(m Mutator, recorders ...Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := decodePayload(w, r)
		if !ok {
			return
		}
		key := keyFor(r)
		created, err := m.Create(r.Context(), key, payload)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		for _, rec := range recorders {
			rec.Touched(middleware.UserID(r.Context()), key.Type, *created)
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, created)
	}
}

func HandleUpdate(m Mutator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := decodePayload(w, r)
		if !ok {
			return
		}
		updated, err := m.Update(r.Context(), keyFor(r), chi.URLParam(r, "id"), payload)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		render.JSON(w, r, updated)
	}
}

func HandleDelete(m Mutator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Delete(r.Context(), keyFor(r), chi.URLParam(r, "id")); err != nil {
			respond.Error(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleFindOrCreate returns the resource named in the body, creating it
// when no resource of that name exists.
func HandleFindOrCreate(m Mutator, recorders ...Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req FindOrCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.BadRequest(w, r, "Invalid request body")
			return
		}
		key := keyFor(r)
		found, err := m.FindOrCreate(r.Context(), key, req.Name)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		for _, rec := range recorders {
			rec.Touched(middleware.UserID(r.Context()), key.Type, *found)
		}
		render.JSON(w, r, found)
	}
}

// HandleBulkUpdate applies one change to many resources. Partial success
// answers 207 with the per-item failures.
func HandleBulkUpdate(m Mutator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req BulkUpdateRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil || len(req.IDs) == 0 || len(req.Fields) == 0 {
			respond.BadRequest(w, r, "ids and fields are required")
			return
		}

		result, err := m.UpdateMany(r.Context(), keyFor(r), req.IDs, req.Fields)
		if err != nil && result.Attempted == 0 {
			respond.Error(w, r, err)
			return
		}

		resp := BulkUpdateResponse{Attempted: result.Attempted, Succeeded: result.Succeeded}
		for _, f := range result.Failures {
			resp.Failures = append(resp.Failures, BulkFailure{ID: f.ID, Error: respond.Message(f.Err)})
		}
		if err != nil {
			render.Status(r, respond.Status(err))
		}
		render.JSON(w, r, resp)
	}
}

func unknownType(r *http.Request) error {
	return fmt.Errorf("resource type %q: %w", chi.URLParam(r, "type"), core.ErrNotFound)
}
