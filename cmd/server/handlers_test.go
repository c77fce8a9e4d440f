package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"territory-platform/server/internal/archive"
	"territory-platform/server/internal/auth"
	"territory-platform/server/internal/config"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func setupCreateGameRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg = config.Config{
		JWTSecret:   "test-secret",
		AdminHeader: "X-Admin-Token",
		AdminToken:  "admin-secret",
		WorkerID:    0,
		NumWorkers:  1,
	}
	authService = auth.NewService(cfg.JWTSecret)
	sink = archive.NewMemorySink()
	manager = session.NewManager(sink, session.Options{
		TurnInterval:        time.Hour,
		DisconnectThreshold: 30 * time.Second,
		EvictionThreshold:   60 * time.Second,
		MaxDuration:         3 * time.Hour,
	})

	r := gin.New()
	r.POST("/api/create_game/:id", handleCreateGame)
	return r
}

func signPlayerToken(t *testing.T, playerID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"player_id": playerID,
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestCreateGameRejectsAnonymous(t *testing.T) {
	r := setupCreateGameRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/create_game/game-anon", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous create, got %d", w.Code)
	}
	if _, ok := manager.Lookup("game-anon"); ok {
		t.Errorf("session created despite rejected request")
	}
}

func TestCreateGameIgnoresCreatorIDQueryParam(t *testing.T) {
	r := setupCreateGameRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/create_game/game-q?creatorId=whoever", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated create, got %d", w.Code)
	}
}

func TestCreateGameWithBearerToken(t *testing.T) {
	r := setupCreateGameRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/create_game/game-bearer", nil)
	req.Header.Set("Authorization", "Bearer "+signPlayerToken(t, "player-9"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %s)", w.Code, w.Body.String())
	}
	srv, ok := manager.Lookup("game-bearer")
	if !ok {
		t.Fatal("session missing after successful create")
	}
	if srv.CreatorID() != "player-9" {
		t.Errorf("creator = %q, want player-9", srv.CreatorID())
	}
}

func TestCreateGameWithInvalidToken(t *testing.T) {
	r := setupCreateGameRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/create_game/game-bad", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", w.Code)
	}
}

func TestCreateGameWithAdminHeader(t *testing.T) {
	r := setupCreateGameRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/create_game/game-admin", nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 with admin header, got %d", w.Code)
	}
}

func TestCreateGameForeignShardRejected(t *testing.T) {
	r := setupCreateGameRouter(t)
	cfg.NumWorkers = 2

	foreign := shard.GenerateLocalSessionID(1, 2)
	req := httptest.NewRequest(http.MethodPost, "/api/create_game/"+foreign, nil)
	req.Header.Set("X-Admin-Token", "admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for foreign-shard id, got %d", w.Code)
	}
}
