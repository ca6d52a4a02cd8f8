package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/middleware"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/repositories/memory"
)

func newRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestPresenceHandler_ListPeers(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewMemoryPresenceRegistry(time.Minute)
	for _, p := range []*ports.Presence{
		{Peer: domain.Peer{ID: "bob", DisplayName: "Bob"}, ServiceType: "chat", InstanceID: "node-1"},
		{Peer: domain.Peer{ID: "alice", DisplayName: "Alice"}, ServiceType: "chat", InstanceID: "node-2", Info: map[string]string{"room": "1"}},
		{Peer: domain.Peer{ID: "carol", DisplayName: "Carol"}, ServiceType: "files", InstanceID: "node-1"},
	} {
		require.NoError(t, registry.Advertise(ctx, p))
	}

	router := newRouter(t)
	NewPresenceHandler(registry).SetupRoutes(router)

	w, body := doJSON(t, router, http.MethodGet, "/api/v1/services/chat/peers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "chat", body["service_type"])
	assert.EqualValues(t, 2, body["count"])

	peers := body["peers"].([]any)
	first := peers[0].(map[string]any)
	assert.Equal(t, "alice", first["id"])
	assert.Equal(t, "Alice", first["display_name"])
	assert.Equal(t, "node-2", first["instance"])
	assert.Equal(t, map[string]any{"room": "1"}, first["info"])

	w, body = doJSON(t, router, http.MethodGet, "/api/v1/services/empty/peers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/services/1234/peers", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresenceHandler_LocatePeer(t *testing.T) {
	registry := memory.NewMemoryPresenceRegistry(time.Minute)
	require.NoError(t, registry.Attach(context.Background(), "alice", "node-1"))

	router := newRouter(t)
	NewPresenceHandler(registry).SetupRoutes(router)

	w, body := doJSON(t, router, http.MethodGet, "/api/v1/peers/alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "node-1", body["instance"])

	w, body = doJSON(t, router, http.MethodGet, "/api/v1/peers/nobody", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PEER_NOT_FOUND", body["error"])
}

func TestPresenceHandler_RequiresAuthWhenConfigured(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, time.Hour)
	router := newRouter(t)
	NewPresenceHandler(memory.NewMemoryPresenceRegistry(time.Minute)).
		SetupRoutes(router, middleware.AuthMiddleware(auth))

	w, _ := doJSON(t, router, http.MethodGet, "/api/v1/services/chat/peers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.GenerateToken("alice", "Alice")
	require.NoError(t, err)
	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/services/chat/peers", nil,
		http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthHandler_IssueAndRefresh(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, 24*time.Hour)
	router := newRouter(t)
	NewAuthHandler(auth).SetupRoutes(router)

	w, body := doJSON(t, router, http.MethodPost, "/api/v1/tokens",
		IssueTokenRequest{PeerID: "alice", DisplayName: "Alice"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", body["peer_id"])
	assert.EqualValues(t, 3600, body["expires_in"])

	peerID, err := auth.Authenticate(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("alice"), peerID)

	w, refreshed := doJSON(t, router, http.MethodPost, "/api/v1/tokens/refresh",
		RefreshTokenRequest{RefreshToken: body["refresh_token"].(string)}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", refreshed["peer_id"])
	_, err = auth.Authenticate(refreshed["access_token"].(string))
	assert.NoError(t, err)

	w, _ = doJSON(t, router, http.MethodPost, "/api/v1/tokens/refresh",
		RefreshTokenRequest{RefreshToken: body["access_token"].(string)}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_IssueGeneratesPeerID(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, time.Hour)
	router := newRouter(t)
	NewAuthHandler(auth).SetupRoutes(router)

	w, body := doJSON(t, router, http.MethodPost, "/api/v1/tokens",
		IssueTokenRequest{DisplayName: "Anonymous"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, body["peer_id"])
}

func TestAuthHandler_IssueRejectsInvalidInput(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour, time.Hour)
	router := newRouter(t)
	NewAuthHandler(auth).SetupRoutes(router)

	tests := []struct {
		name string
		req  any
	}{
		{"missing name", map[string]string{"peer_id": "alice"}},
		{"bad peer id", IssueTokenRequest{PeerID: "no spaces allowed", DisplayName: "Alice"}},
		{"blank name", IssueTokenRequest{PeerID: "alice", DisplayName: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := doJSON(t, router, http.MethodPost, "/api/v1/tokens", tt.req, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_INPUT", body["error"])
		})
	}
}
