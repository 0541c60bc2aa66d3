package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ml_backend_project/config"
	"ml_backend_project/models"
	"ml_backend_project/routes"
	"ml_backend_project/services/dispatch"
	"ml_backend_project/services/hub"
	"ml_backend_project/services/sessionstore"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubEngine struct {
	mu        sync.Mutex
	submitted []uint
	submitErr error
}

func (s *stubEngine) Submit(ctx context.Context, sessionID uint, cfg models.JobConfig) (*dispatch.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	s.submitted = append(s.submitted, sessionID)
	return &dispatch.SubmitResult{Handle: fmt.Sprintf("task-%d", sessionID)}, nil
}

func (s *stubEngine) Cancel(handle string) error { return nil }

type stubAnnouncer struct{}

func (stubAnnouncer) AnnounceCancelled(sessionID uint) {}

type testAPI struct {
	router *gin.Engine
	db     *gorm.DB
	store  *sessionstore.Store
	engine *stubEngine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.AppConfig = &config.Config{JWTSecret: "test-secret"}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := models.MigrateUserModels(db); err != nil {
		t.Fatalf("user migration failed: %v", err)
	}
	if err := models.MigrateSessionModels(db); err != nil {
		t.Fatalf("session migration failed: %v", err)
	}

	store := sessionstore.New(db)
	h := hub.New()
	go h.Run()
	t.Cleanup(h.Shutdown)

	engine := &stubEngine{}
	dispatcher := dispatch.New(store, engine, stubAnnouncer{})

	router := gin.New()
	routes.SetupRoutes(router, db, &routes.Services{
		Store:      store,
		Dispatcher: dispatcher,
		Hub:        h,
	})
	return &testAPI{router: router, db: db, store: store, engine: engine}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) registerAndLogin(t *testing.T, email string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"email":    email,
		"password": "longenoughpw",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register failed: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    email,
		"password": "longenoughpw",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in login response: %s", w.Body.String())
	}
	return resp.Token
}

func trainingBody() gin.H {
	return gin.H{
		"kind": models.KindTraining,
		"config": gin.H{
			"entry_point": "python3 train.py",
			"total_steps": 10,
		},
	}
}

func createdSessionID(t *testing.T, w *httptest.ResponseRecorder) uint {
	t.Helper()
	var resp struct {
		Session models.Session `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	return resp.Session.ID
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "owner@example.com")

	w := api.do(t, http.MethodPost, "/api/v1/sessions", token, trainingBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	id := createdSessionID(t, w)

	t.Run("dispatch submits to the engine", func(t *testing.T) {
		w := api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/dispatch", id), token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("dispatch failed: %d %s", w.Code, w.Body.String())
		}
		if len(api.engine.submitted) != 1 {
			t.Errorf("engine submissions: %v", api.engine.submitted)
		}
	})

	t.Run("double dispatch conflicts", func(t *testing.T) {
		if _, _, err := api.store.UpdateProgress(id, 10, 1, 10, nil); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		w := api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/dispatch", id), token, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("metrics and resources endpoints", func(t *testing.T) {
		if _, _, err := api.store.UpdateProgress(id, 20, 2, 10, models.MetricsMap{"loss": 0.5}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		w := api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d/metrics", id), token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("metrics failed: %d", w.Code)
		}
		var resp struct {
			Metrics []models.MetricPoint `json:"metrics"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Metrics) == 0 {
			t.Errorf("expected metric points, got %s", w.Body.String())
		}

		w = api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d/resources", id), token, nil)
		if w.Code != http.StatusOK {
			t.Errorf("resources failed: %d", w.Code)
		}
	})

	t.Run("cancel then cancel again is fine", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			w := api.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/cancel", id), token, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("cancel attempt %d failed: %d %s", i+1, w.Code, w.Body.String())
			}
		}
		var resp struct {
			Session models.Session `json:"session"`
		}
		w := api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d", id), token, nil)
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Session.Status != models.StatusCancelled {
			t.Errorf("expected cancelled, got %s", resp.Session.Status)
		}
	})
}

func TestSessionValidationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "owner@example.com")

	t.Run("backtest without strategy is rejected", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/sessions", token, gin.H{
			"kind": models.KindBacktest,
			"config": gin.H{
				"entry_point": "python3 backtest.py",
				"total_steps": 5,
			},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unauthenticated requests are rejected", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/v1/sessions", "", trainingBody())
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})
}

func TestSessionOwnership(t *testing.T) {
	api := newTestAPI(t)
	owner := api.registerAndLogin(t, "owner@example.com")
	intruder := api.registerAndLogin(t, "intruder@example.com")

	w := api.do(t, http.MethodPost, "/api/v1/sessions", owner, trainingBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", w.Code)
	}
	id := createdSessionID(t, w)

	// Foreign sessions look exactly like missing ones
	w = api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d", id), intruder, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign session, got %d", w.Code)
	}

	w = api.do(t, http.MethodGet, "/api/v1/sessions/424242", owner, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", w.Code)
	}

	// The owner's listing does not leak the intruder's view
	w = api.do(t, http.MethodGet, "/api/v1/sessions", intruder, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d", w.Code)
	}
	var resp struct {
		Sessions []models.Session `json:"sessions"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Sessions) != 0 {
		t.Errorf("intruder sees %d sessions", len(resp.Sessions))
	}
}

func TestAdminStats(t *testing.T) {
	api := newTestAPI(t)
	user := api.registerAndLogin(t, "user@example.com")

	if err := models.SeedDefaultAdminUser(api.db); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	w := api.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    "admin@localhost",
		"password": "admin123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin login failed: %d %s", w.Code, w.Body.String())
	}
	var loginResp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &loginResp)

	t.Run("regular users are forbidden", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/v1/admin/stats", user, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("admin sees hub and session counts", func(t *testing.T) {
		api.do(t, http.MethodPost, "/api/v1/sessions", user, trainingBody())

		w := api.do(t, http.MethodGet, "/api/v1/admin/stats", loginResp.Token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("stats failed: %d %s", w.Code, w.Body.String())
		}
		var resp struct {
			Hub      hub.Stats        `json:"hub"`
			Sessions map[string]int64 `json:"sessions"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode stats: %v", err)
		}
		if resp.Sessions[models.StatusPending] != 1 {
			t.Errorf("expected 1 pending session, got %v", resp.Sessions)
		}
	})
}
