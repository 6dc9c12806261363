package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/mbd888/fitpool/internal/challenges"
	"github.com/mbd888/fitpool/internal/config"
	"github.com/mbd888/fitpool/internal/ledger"
	"github.com/mbd888/fitpool/internal/signer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testT0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "text",
		SignatureMaxSkew:        time.Minute,
		SettlementInterval:      time.Minute,
		DirectoryQueueSize:      64,
		DirectoryResyncInterval: time.Hour,
	}
}

// newTestServer creates an in-memory server on a fake clock
func newTestServer(t *testing.T) (*Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testT0)
	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock),
		WithDrainDelay(0),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func doJSON(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// signed builds the signer headers for method+path+body at the fake clock's now.
func signed(t *testing.T, k *signer.KeySigner, clock clockwork.Clock, method, path, body string) map[string]string {
	t.Helper()
	ts := clock.Now().Unix()
	sig, err := k.SignRequest(method, path, ts, []byte(body))
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return map[string]string{
		signer.HeaderAddress:   k.Address(),
		signer.HeaderTimestamp: strconv.FormatInt(ts, 10),
		signer.HeaderSignature: sig,
	}
}

func newKey(t *testing.T) *signer.KeySigner {
	t.Helper()
	k, err := signer.GenerateKeySigner()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func deposit(t *testing.T, s *Server, addr, amount string) {
	t.Helper()
	w := doJSON(s, http.MethodPost, "/v1/accounts/"+addr+"/deposit", `{"amount":"`+amount+`"}`, nil)
	if w.Code != http.StatusOK && w.Code != http.StatusCreated {
		t.Fatalf("deposit for %s: got %d: %s", addr, w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint_DegradedUntilBackgroundRuns(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 before the settlement timer runs, got %d", w.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	waitFor(t, "healthy status", func() bool {
		return doJSON(s, http.MethodGet, "/health", "", nil).Code == http.StatusOK
	})

	var resp HealthResponse
	w = doJSON(s, http.MethodGet, "/health", "", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	names := map[string]bool{}
	for _, c := range resp.Checks {
		names[c.Name] = true
	}
	for _, want := range []string{"directory", "directory_queue", "settlement_timer"} {
		if !names[want] {
			t.Errorf("Expected %s check in response", want)
		}
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := doJSON(s, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	w = doJSON(s, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while the settlement timer is stopped, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/api",
		"GET:/v1/challenges",
		"GET:/v1/challenges/:id",
		"GET:/v1/challenges/:id/participants",
		"GET:/v1/challenges/:id/refunds",
		"POST:/v1/challenges",
		"POST:/v1/challenges/:id/join",
		"POST:/v1/challenges/:id/complete",
		"POST:/v1/challenges/:id/cancel",
		"POST:/v1/challenges/:id/settle",
		"GET:/v1/accounts/:address/balance",
		"GET:/v1/accounts/:address/challenges",
		"POST:/v1/accounts/:address/deposit",
		"GET:/v1/directory/challenges/:id",
		"GET:/v1/directory/members/:address/challenges",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestDepositRouteDevelopmentOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	defer func() { _ = s.Shutdown() }()

	for _, route := range s.router.Routes() {
		if route.Method == http.MethodPost && route.Path == "/v1/accounts/:address/deposit" {
			t.Fatal("deposit route must not be registered outside development")
		}
	}
}

// ---------------------------------------------------------------------------
// Signed challenge flow
// ---------------------------------------------------------------------------

func TestUnsignedMutationRejected(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodPost, "/v1/challenges/c1/join", `{}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unsigned join, got %d", w.Code)
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	s, clock := newTestServer(t)
	alice := newKey(t)

	// Signed for a different path.
	h := signed(t, alice, clock, http.MethodPost, "/v1/challenges/other/join", `{}`)
	w := doJSON(s, http.MethodPost, "/v1/challenges/c1/join", `{}`, h)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignedBodySwapRejected(t *testing.T) {
	s, clock := newTestServer(t)
	creator := newKey(t)

	path := "/v1/challenges/c1/complete"
	h := signed(t, creator, clock, http.MethodPost, path, `{"winners":[{"address":"0x1111111111111111111111111111111111111111"}]}`)
	w := doJSON(s, http.MethodPost, path, `{"winners":[{"address":"0x2222222222222222222222222222222222222222"}]}`, h)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "invalid_signature") {
		t.Errorf("Expected 401 invalid_signature, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRateLimitKeysOnVerifiedSigner(t *testing.T) {
	s, clock := newTestServer(t)
	alice := newKey(t)

	// Forged headers never reach the limiter, so alice's bucket stays full.
	forged := map[string]string{signer.HeaderAddress: alice.Address()}
	for i := 0; i < 30; i++ {
		if w := doJSON(s, http.MethodGet, "/v1/challenges", "", forged); w.Code != http.StatusUnauthorized {
			t.Fatalf("forged request %d: expected 401, got %d", i, w.Code)
		}
	}

	// Anonymous reads share the IP bucket (burst 20, clock frozen).
	var last int
	for i := 0; i < 21; i++ {
		last = doJSON(s, http.MethodGet, "/v1/challenges", "", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected the IP bucket to run dry, last status %d", last)
	}

	w := doJSON(s, http.MethodGet, "/v1/challenges", "", signed(t, alice, clock, http.MethodGet, "/v1/challenges", ""))
	if w.Code != http.StatusOK {
		t.Errorf("verified signer should use its own bucket, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignedChallengeLifecycle(t *testing.T) {
	s, clock := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.syncer.Run(ctx)

	creator, alice, bob := newKey(t), newKey(t), newKey(t)
	deposit(t, s, creator.Address(), "100")
	deposit(t, s, alice.Address(), "100")

	create := fmt.Sprintf(`{"challengeId":"run5k","title":"5k a day","entryFee":"10","prizePool":"5","maxParticipants":3,"startTime":%q,"deadline":%q}`,
		testT0.Format(time.RFC3339), testT0.Add(time.Hour).Format(time.RFC3339))
	w := doJSON(s, http.MethodPost, "/v1/challenges", create, signed(t, creator, clock, http.MethodPost, "/v1/challenges", create))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", w.Code, w.Body.String())
	}

	joinPath := "/v1/challenges/run5k/join"
	joinBody := `{"externalUserRef":"strava:42"}`
	w = doJSON(s, http.MethodPost, joinPath, joinBody, signed(t, alice, clock, http.MethodPost, joinPath, joinBody))
	if w.Code != http.StatusCreated {
		t.Fatalf("join: got %d: %s", w.Code, w.Body.String())
	}

	// Bob cannot cover the fee; this surfaces as insufficient funds through
	// the ledger adapter.
	deposit(t, s, bob.Address(), "1")
	replay := signed(t, bob, clock, http.MethodPost, joinPath, `{}`)
	w = doJSON(s, http.MethodPost, joinPath, `{}`, replay)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("underfunded join: expected 402, got %d: %s", w.Code, w.Body.String())
	}
	// Replaying the exact signed request is refused before it reaches the engine.
	w = doJSON(s, http.MethodPost, joinPath, `{}`, replay)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("replayed signature: expected 401, got %d", w.Code)
	}

	// A non-creator cannot complete.
	completePath := "/v1/challenges/run5k/complete"
	body := fmt.Sprintf(`{"winners":[{"address":%q}]}`, alice.Address())
	w = doJSON(s, http.MethodPost, completePath, body, signed(t, alice, clock, http.MethodPost, completePath, body))
	if w.Code != http.StatusForbidden {
		t.Errorf("complete by participant: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	clock.Advance(time.Second)
	w = doJSON(s, http.MethodPost, completePath, body, signed(t, creator, clock, http.MethodPost, completePath, body))
	if w.Code != http.StatusOK {
		t.Fatalf("complete: got %d: %s", w.Code, w.Body.String())
	}

	settlePath := "/v1/challenges/run5k/settle"
	w = doJSON(s, http.MethodPost, settlePath, "", signed(t, creator, clock, http.MethodPost, settlePath, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("settle: got %d: %s", w.Code, w.Body.String())
	}

	bal, err := s.ledger.GetBalance(context.Background(), alice.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Available != 105_000000 {
		t.Errorf("alice available = %d, want 105000000", bal.Available)
	}

	// The directory converges on the completed state.
	waitFor(t, "directory snapshot", func() bool {
		w := doJSON(s, http.MethodGet, "/v1/directory/challenges/run5k", "", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Challenge struct {
				Status string `json:"status"`
			} `json:"challenge"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		return resp.Challenge.Status == string(challenges.StatusCompleted)
	})
}

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/api", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["storage"] != "memory" || resp["directory"] != "memory" {
		t.Errorf("Expected in-memory backends, got %v / %v", resp["storage"], resp["directory"])
	}
}

// ---------------------------------------------------------------------------
// Adapters and helpers
// ---------------------------------------------------------------------------

func TestLedgerAdapter_MapsInsufficientBalance(t *testing.T) {
	a := &ledgerAdapter{l: ledger.New(ledger.NewMemoryStore())}

	err := a.Hold(context.Background(), "0x2222222222222222222222222222222222222222", 1, "ref")
	if !errors.Is(err, challenges.ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
	if mapLedgerErr(nil) != nil {
		t.Error("nil must pass through")
	}
	other := errors.New("boom")
	if !errors.Is(mapLedgerErr(other), other) {
		t.Error("unrelated errors must pass through unchanged")
	}
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		in, secret, keep string
	}{
		{"postgres://fit:secret@db:5432/fitpool?sslmode=disable", "secret", "db:5432/fitpool"},
		{"redis://:hunter2@cache:6379/0", "hunter2", "cache:6379/0"},
		{"redis://cache:6379/0", "", "cache:6379/0"},
	}
	for _, tt := range tests {
		got := maskDSN(tt.in)
		if tt.secret != "" && strings.Contains(got, tt.secret) {
			t.Errorf("maskDSN(%q) = %q leaks the password", tt.in, got)
		}
		if !strings.Contains(got, tt.keep) {
			t.Errorf("maskDSN(%q) = %q lost %q", tt.in, got, tt.keep)
		}
	}
	if maskDSN("::not a url") != "***" {
		t.Error("unparseable DSN should be fully masked")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, http.MethodGet, "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
