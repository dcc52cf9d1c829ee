package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/auth"
	"trade-execution-core/internal/credentials"
	"trade-execution-core/internal/credhealth"
	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
	"trade-execution-core/internal/guard"
	"trade-execution-core/internal/intent"
	"trade-execution-core/internal/reconciler"
	"trade-execution-core/internal/store"
)

const testSecret = "test-signing-secret"

type mockIntents struct {
	decisions map[string]*database.Decision
	result    *intent.Result
	execErr   error
	execCalls int
}

func (m *mockIntents) FindDecision(ctx context.Context, decisionID string) (*database.Decision, error) {
	d, ok := m.decisions[decisionID]
	if !ok {
		return nil, intent.ErrDecisionNotFound
	}
	return d, nil
}

func (m *mockIntents) Execute(ctx context.Context, decision *database.Decision) (*intent.Result, error) {
	m.execCalls++
	if m.execErr != nil {
		return nil, m.execErr
	}
	return m.result, nil
}

type mockHealth struct {
	records []credhealth.Record
	reset   []string
}

func (m *mockHealth) Snapshot() []credhealth.Record { return m.records }
func (m *mockHealth) Reset(userID, venue string) bool {
	m.reset = append(m.reset, userID+":"+venue)
	return true
}

type mockReconciler struct {
	totals reconciler.Totals
	calls  int
}

func (m *mockReconciler) RunOnce(ctx context.Context) reconciler.Totals {
	m.calls++
	return m.totals
}

type mockCredStore struct {
	stored    []exchange.Credentials
	deleted   []string
	deleteErr error
	healthErr error
}

func (m *mockCredStore) Store(ctx context.Context, creds exchange.Credentials) error {
	m.stored = append(m.stored, creds)
	return nil
}

func (m *mockCredStore) Delete(ctx context.Context, userID, venue string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, userID+":"+venue)
	return nil
}

func (m *mockCredStore) Health(ctx context.Context) error { return m.healthErr }

type mockDecisionStore struct {
	created []*database.Decision
	pingErr error
}

func (m *mockDecisionStore) CreateDecision(ctx context.Context, d *database.Decision) (bool, error) {
	for _, existing := range m.created {
		if existing.ID == d.ID {
			return false, nil
		}
	}
	d.CreatedAt = time.Now()
	m.created = append(m.created, d)
	return true, nil
}

func (m *mockDecisionStore) HealthCheck(ctx context.Context) error { return m.pingErr }

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Port:           8080,
		Host:           "127.0.0.1",
		AllowedOrigins: "http://localhost:5173",
		ReadTimeout:    15,
		WriteTimeout:   15,
	}
}

type testDeps struct {
	rec   *mockReconciler
	creds *mockCredStore
	db    *mockDecisionStore
}

func newTestServer(intents *mockIntents, adminCfg config.AdminConfig) (*Server, *testDeps) {
	g := guard.NewGuard(config.GuardConfig{
		SigningSecret:      testSecret,
		TimestampTolerance: 60 * time.Second,
		NonceTTL:           5 * time.Minute,
		GlobalRateLimit:    100,
		DecisionRateLimit:  3,
		UserRateLimit:      60,
	}, store.NewMemoryStore(), zerolog.Nop())

	deps := &testDeps{
		rec:   &mockReconciler{totals: reconciler.Totals{Checked: 2, Cancelled: 1}},
		creds: &mockCredStore{},
		db:    &mockDecisionStore{},
	}
	venues := exchange.NewRegistryWith(&exchange.MockAdapter{VenueName: exchange.VenueBinance})
	srv := NewServer(testServerConfig(), adminCfg, g, intents, &mockHealth{}, deps.rec, deps.creds, venues, deps.db, zerolog.Nop())
	return srv, deps
}

func sign(decisionID, timestamp, nonce string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(decisionID + "|" + timestamp + "|" + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func executeReq(decisionID, nonce string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body, _ := json.Marshal(map[string]string{"decision_id": decisionID})
	req := httptest.NewRequest(http.MethodPost, "/decisions/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-decision-signature", sign(decisionID, ts, nonce))
	req.Header.Set("x-decision-timestamp", ts)
	req.Header.Set("x-decision-nonce", nonce)
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid response body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestExecuteDecisionSuccess(t *testing.T) {
	orderID := "ord-1"
	intents := &mockIntents{
		decisions: map[string]*database.Decision{
			"dec-1": {ID: "dec-1", UserID: "alice", Symbol: "BTCUSDT", Exchange: "binance"},
		},
		result: &intent.Result{Status: intent.StatusExecuted, DecisionID: "dec-1", IntentID: 7, OrderID: &orderID},
	}
	srv, _ := newTestServer(intents, config.AdminConfig{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, executeReq("dec-1", "n-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "EXECUTED" || body["decision_id"] != "dec-1" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["order_id"] != "ord-1" {
		t.Errorf("expected order_id ord-1, got %v", body["order_id"])
	}
}

func TestExecuteDecisionMissingDecisionID(t *testing.T) {
	srv, _ := newTestServer(&mockIntents{}, config.AdminConfig{})

	req := executeReq("", "n-blocked")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["reason"] != guard.ReasonExecutionBlocked {
		t.Errorf("expected EXECUTION_BLOCKED, got %v", body["reason"])
	}
}

func TestExecuteDecisionBadSignature(t *testing.T) {
	srv, _ := newTestServer(&mockIntents{}, config.AdminConfig{})

	req := executeReq("dec-1", "n-bad")
	req.Header.Set("x-decision-signature", sign("dec-other", req.Header.Get("x-decision-timestamp"), "n-bad"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["reason"] != guard.ReasonInvalidSignature {
		t.Errorf("expected INVALID_SIGNATURE, got %v", body["reason"])
	}
}

func TestExecuteDecisionReplay(t *testing.T) {
	intents := &mockIntents{
		decisions: map[string]*database.Decision{
			"dec-1": {ID: "dec-1", UserID: "alice"},
		},
		result: &intent.Result{Status: intent.StatusExecuted, DecisionID: "dec-1", IntentID: 1},
	}
	srv, _ := newTestServer(intents, config.AdminConfig{})

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body, _ := json.Marshal(map[string]string{"decision_id": "dec-1"})
	mk := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/decisions/execute", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-decision-signature", sign("dec-1", ts, "n-same"))
		req.Header.Set("x-decision-timestamp", ts)
		req.Header.Set("x-decision-nonce", "n-same")
		return req
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, mk())
	if w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, mk())
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", w.Code)
	}
	if rbody := decodeBody(t, w); rbody["reason"] != guard.ReasonNonceReplayDetected {
		t.Errorf("expected NONCE_REPLAY_DETECTED, got %v", rbody["reason"])
	}
}

func TestExecuteDecisionNotFound(t *testing.T) {
	srv, _ := newTestServer(&mockIntents{decisions: map[string]*database.Decision{}}, config.AdminConfig{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, executeReq("dec-missing", "n-404"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestExecuteDecisionRateLimit(t *testing.T) {
	intents := &mockIntents{
		decisions: map[string]*database.Decision{
			"dec-hot": {ID: "dec-hot", UserID: "alice"},
		},
		result: &intent.Result{Status: intent.StatusExecuted, DecisionID: "dec-hot", IntentID: 1},
	}
	srv, _ := newTestServer(intents, config.AdminConfig{})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, executeReq("dec-hot", fmt.Sprintf("n-rl-%d", i)))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, executeReq("dec-hot", "n-rl-over"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 4th attempt, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["reason"] != guard.ReasonDecisionRateLimit {
		t.Errorf("expected DECISION_RATE_LIMIT, got %v", body["reason"])
	}
	if _, ok := body["retryAfter"]; !ok {
		t.Error("429 response must carry retryAfter")
	}
}

func TestAdminRequiresToken(t *testing.T) {
	adminCfg := config.AdminConfig{Enabled: true, JWTSecret: "admin-secret"}
	srv, _ := newTestServer(&mockIntents{}, adminCfg)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/credentials/health", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}

func TestAdminEndpointsWithToken(t *testing.T) {
	adminCfg := config.AdminConfig{Enabled: true, JWTSecret: "admin-secret"}
	srv, deps := newTestServer(&mockIntents{}, adminCfg)

	token, err := auth.NewJWTManager("admin-secret", time.Hour).GenerateToken("ops", "admin")
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}

	t.Run("credential health snapshot", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/credentials/health", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("manual reconcile", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if deps.rec.calls != 1 {
			t.Errorf("expected one reconcile trigger, got %d", deps.rec.calls)
		}
		body := decodeBody(t, w)
		if body["checked"] != float64(2) || body["cancelled"] != float64(1) {
			t.Errorf("unexpected totals: %v", body)
		}
	})

	t.Run("store credential", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"user_id":    "alice",
			"venue":      "binance",
			"api_key":    "key-1",
			"api_secret": "secret-1",
		})
		req := httptest.NewRequest(http.MethodPost, "/admin/credentials", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}
		if len(deps.creds.stored) != 1 || deps.creds.stored[0].Key() != "alice:binance" {
			t.Errorf("credential store not invoked: %+v", deps.creds.stored)
		}
		if bytes.Contains(w.Body.Bytes(), []byte("secret-1")) {
			t.Error("response must not echo the api secret")
		}
	})

	t.Run("store credential unsupported venue", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"user_id":    "alice",
			"venue":      "kraken",
			"api_key":    "key-1",
			"api_secret": "secret-1",
		})
		req := httptest.NewRequest(http.MethodPost, "/admin/credentials", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		resp := decodeBody(t, w)
		if _, ok := resp["supported"]; !ok {
			t.Errorf("rejection should list supported venues: %v", resp)
		}
	})

	t.Run("delete credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/admin/credentials/alice/binance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if len(deps.creds.deleted) != 1 || deps.creds.deleted[0] != "alice:binance" {
			t.Errorf("credential delete not invoked: %v", deps.creds.deleted)
		}
	})

	t.Run("delete missing credential", func(t *testing.T) {
		deps.creds.deleteErr = credentials.ErrNoCredential
		defer func() { deps.creds.deleteErr = nil }()

		req := httptest.NewRequest(http.MethodDelete, "/admin/credentials/ghost/binance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("register decision", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{
			"id":         "dec-reg-1",
			"user_id":    "alice",
			"symbol":     "BTCUSDT",
			"side":       "BUY",
			"order_type": "LIMIT",
			"quantity":   0.5,
			"price":      50000.0,
			"exchange":   "binance",
		})
		req := httptest.NewRequest(http.MethodPost, "/admin/decisions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}
		if len(deps.db.created) != 1 || deps.db.created[0].ID != "dec-reg-1" {
			t.Errorf("decision not stored: %+v", deps.db.created)
		}

		// A repeated id must not overwrite the stored decision.
		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodPost, "/admin/decisions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409 on duplicate id, got %d", w.Code)
		}
	})

	t.Run("register decision missing fields", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"id": "dec-reg-2"})
		req := httptest.NewRequest(http.MethodPost, "/admin/decisions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("credential reset", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/credentials/alice/binance/reset", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestHealthz(t *testing.T) {
	srv, deps := newTestServer(&mockIntents{}, config.AdminConfig{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	t.Run("vault degradation", func(t *testing.T) {
		deps.creds.healthErr = fmt.Errorf("vault is sealed")
		defer func() { deps.creds.healthErr = nil }()

		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 when vault is unhealthy, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["vault"] != "unhealthy" || body["database"] != "healthy" {
			t.Errorf("unexpected health body: %v", body)
		}
	})
}
