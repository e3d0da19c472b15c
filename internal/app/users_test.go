package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/neolink/internal/store"
)

type fakeUsers struct {
	byKey     map[string]*store.User
	byNode    map[string]*store.User
	err       error
	lastLogin []string
}

func (f *fakeUsers) FindUserByPrivateKey(_ context.Context, key string) (*store.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byKey[key], nil
}

func (f *fakeUsers) FindUserByNodeID(_ context.Context, nodeID string) (*store.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byNode[nodeID], nil
}

func (f *fakeUsers) UpdateLastLogin(_ context.Context, id string) error {
	f.lastLogin = append(f.lastLogin, id)
	return nil
}

func newFakeUsers() *fakeUsers {
	alice := &store.User{ID: "1", Username: "alice", NodeID: "node-1"}
	return &fakeUsers{
		byKey:  map[string]*store.User{"pk-alice": alice},
		byNode: map[string]*store.User{"node-1": alice},
	}
}

func TestUserLookup(t *testing.T) {
	users := newFakeUsers()
	lookup := &userLookup{store: users, log: zerolog.Nop()}

	id, found, err := lookup.LookupUser(context.Background(), "pk-alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, "node-1", id.NodeID)
	assert.Equal(t, []string{"1"}, users.lastLogin)

	_, found, err = lookup.LookupUser(context.Background(), "pk-nobody")
	require.NoError(t, err)
	assert.False(t, found)

	users.err = errors.New("db down")
	_, _, err = lookup.LookupUser(context.Background(), "pk-alice")
	assert.Error(t, err)
}

func TestNodeUserHandler(t *testing.T) {
	users := newFakeUsers()
	r := chi.NewRouter()
	r.Get("/nodes/{nodeID}/user", nodeUserHandler(users, zerolog.Nop()))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes/node-1/user", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"username": "alice", "node_id": "node-1"}, body)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes/node-2/user", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	users.err = errors.New("db down")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nodes/node-1/user", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
