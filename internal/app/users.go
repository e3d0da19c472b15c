package app

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/neolink/internal/auth"
	"github.com/Tyrowin/neolink/internal/store"
)

// userStore is the part of the store the app needs.
type userStore interface {
	FindUserByPrivateKey(ctx context.Context, privateKey string) (*store.User, error)
	FindUserByNodeID(ctx context.Context, nodeID string) (*store.User, error)
	UpdateLastLogin(ctx context.Context, userID string) error
}

// userLookup resolves bearer tokens against the users table.
type userLookup struct {
	store userStore
	log   zerolog.Logger
}

func (u *userLookup) LookupUser(ctx context.Context, privateKey string) (auth.Identity, bool, error) {
	user, err := u.store.FindUserByPrivateKey(ctx, privateKey)
	if err != nil {
		return auth.Identity{}, false, err
	}
	if user == nil {
		return auth.Identity{}, false, nil
	}
	if err := u.store.UpdateLastLogin(ctx, user.ID); err != nil {
		u.log.Warn().Err(err).Str("user", user.Username).Msg("failed to update last login")
	}
	return auth.Identity{Subject: user.Username, NodeID: user.NodeID}, true, nil
}

type nodeUser struct {
	Username string `json:"username"`
	NodeID   string `json:"node_id"`
}

// nodeUserHandler answers which user owns a node id. Credentials are never
// returned.
func nodeUserHandler(users userStore, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "nodeID")
		user, err := users.FindUserByNodeID(r.Context(), nodeID)
		if err != nil {
			log.Error().Err(err).Str("node_id", nodeID).Msg("user lookup failed")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nodeUser{Username: user.Username, NodeID: user.NodeID})
	}
}

func (a *App) mountUserRoutes(r chi.Router) {
	if a.store == nil {
		return
	}
	r.Get("/nodes/{nodeID}/user", nodeUserHandler(a.store, a.log))
}
