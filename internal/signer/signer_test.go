package signer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestMessage(t *testing.T) {
	msg := RequestMessage("post", "/v1/challenges/C1/join", 1707234567, nil)
	want := "fitpool|POST|/v1/challenges/C1/join|1707234567|" +
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if msg != want {
		t.Errorf("unexpected message %q", msg)
	}

	withBody := RequestMessage("POST", "/v1/challenges/C1/complete", 1707234567, []byte(`{"winners":[]}`))
	if withBody == RequestMessage("POST", "/v1/challenges/C1/complete", 1707234567, []byte(`{"winners":[{}]}`)) {
		t.Error("different bodies must produce different messages")
	}
}

func TestKeySigner_SignAndRecover(t *testing.T) {
	s, err := GenerateKeySigner()
	if err != nil {
		t.Fatalf("GenerateKeySigner: %v", err)
	}

	sig, err := s.SignMessage("hello")
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Fatalf("unexpected signature encoding %q", sig)
	}

	recovered, err := RecoverAddress("hello", sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if recovered != s.Address() {
		t.Errorf("recovered %s, want %s", recovered, s.Address())
	}
	if err := Verify("hello", sig, s.Address()); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestNewKeySigner_MatchesGoEthereum(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hexKey := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	s, err := NewKeySigner(hexKey)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	want := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if s.Address() != want {
		t.Errorf("address %s, want %s", s.Address(), want)
	}

	if _, err := NewKeySigner("not-a-key"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestVerify_WrongMessage(t *testing.T) {
	s, _ := GenerateKeySigner()
	sig, _ := s.SignMessage("a")
	if err := Verify("b", sig, s.Address()); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("expected ErrSignerMismatch, got %v", err)
	}
}

func TestRecoverAddress_Malformed(t *testing.T) {
	if _, err := RecoverAddress("m", "0xzz"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("bad hex: expected ErrInvalidSignature, got %v", err)
	}
	if _, err := RecoverAddress("m", "0x"+strings.Repeat("ab", 64)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("short sig: expected ErrInvalidSignature, got %v", err)
	}
}

// highS returns the malleated twin of sigHex: s -> N - s with v flipped.
func highS(t *testing.T, sigHex string) string {
	t.Helper()
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sv := new(big.Int).SetBytes(sig[32:64])
	sv.Sub(crypto.S256().Params().N, sv)
	sv.FillBytes(sig[32:64])
	if sig[64] == 27 {
		sig[64] = 28
	} else {
		sig[64] = 27
	}
	return "0x" + hex.EncodeToString(sig)
}

func TestDecodeSignature_Encodings(t *testing.T) {
	s, _ := GenerateKeySigner()
	sig, _ := s.SignMessage("hello")

	canonical, err := DecodeSignature(sig)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if canonical[64] > 1 {
		t.Errorf("v=%d, want 0 or 1", canonical[64])
	}

	bare, err := DecodeSignature(strings.TrimPrefix(sig, "0x"))
	if err != nil || !bytes.Equal(bare, canonical) {
		t.Errorf("unprefixed signature should decode identically, err=%v", err)
	}

	if _, err := DecodeSignature(highS(t, sig)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("high-s: expected ErrInvalidSignature, got %v", err)
	}

	badV := []byte(sig)
	copy(badV[len(badV)-2:], "05")
	if _, err := DecodeSignature(string(badV)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("v=5: expected ErrInvalidSignature, got %v", err)
	}
}

func TestIdentity_Address(t *testing.T) {
	if got := Identity("0xABCdef").Address(); got != "0xabcdef" {
		t.Errorf("got %s", got)
	}
}

func newTestRouter(v *Verifier) *gin.Engine {
	r := gin.New()
	r.Use(v.Middleware())
	r.POST("/v1/things", RequireSigner(), func(c *gin.Context) {
		id, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"signer": id.Address()})
	})
	r.GET("/v1/open", func(c *gin.Context) {
		_, ok := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"signed": ok})
	})
	return r
}

func signedRequest(t *testing.T, s *KeySigner, method, path string, ts int64) *http.Request {
	t.Helper()
	return signedBodyRequest(t, s, method, path, ts, "")
}

func signedBodyRequest(t *testing.T, s *KeySigner, method, path string, ts int64, body string) *http.Request {
	t.Helper()
	sig, err := s.SignRequest(method, path, ts, []byte(body))
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderAddress, s.Address())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return req
}

func TestMiddleware_ValidSignature(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_800_000_000, 0))
	v := NewVerifier(time.Minute).WithClock(clock)
	r := newTestRouter(v)
	s, _ := GenerateKeySigner()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, s, http.MethodPost, "/v1/things", clock.Now().Unix()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), s.Address()) {
		t.Errorf("response should carry signer address: %s", w.Body.String())
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_800_000_000, 0))
	s, _ := GenerateKeySigner()
	other, _ := GenerateKeySigner()
	now := clock.Now().Unix()

	tests := []struct {
		name string
		req  func() *http.Request
		code string
	}{
		{"stale", func() *http.Request {
			return signedRequest(t, s, http.MethodPost, "/v1/things", now-120)
		}, "stale_signature"},
		{"future", func() *http.Request {
			return signedRequest(t, s, http.MethodPost, "/v1/things", now+120)
		}, "stale_signature"},
		{"wrong path", func() *http.Request {
			req := signedRequest(t, s, http.MethodPost, "/v1/other", now)
			req.URL.Path = "/v1/things"
			return req
		}, "invalid_signature"},
		{"address spoof", func() *http.Request {
			req := signedRequest(t, s, http.MethodPost, "/v1/things", now)
			req.Header.Set(HeaderAddress, other.Address())
			return req
		}, "invalid_signature"},
		{"body swapped", func() *http.Request {
			req := signedBodyRequest(t, s, http.MethodPost, "/v1/things", now, `{"winners":["a"]}`)
			req.Body = io.NopCloser(strings.NewReader(`{"winners":["b"]}`))
			return req
		}, "invalid_signature"},
		{"high s", func() *http.Request {
			req := signedRequest(t, s, http.MethodPost, "/v1/things", now)
			req.Header.Set(HeaderSignature, highS(t, req.Header.Get(HeaderSignature)))
			return req
		}, "invalid_signature"},
		{"bad timestamp", func() *http.Request {
			req := signedRequest(t, s, http.MethodPost, "/v1/things", now)
			req.Header.Set(HeaderTimestamp, "yesterday")
			return req
		}, "invalid_timestamp"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(NewVerifier(time.Minute).WithClock(clock))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, tc.req())
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), tc.code) {
				t.Errorf("expected %s in %s", tc.code, w.Body.String())
			}
		})
	}
}

func TestMiddleware_ReplayRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_800_000_000, 0))
	s, _ := GenerateKeySigner()
	req := signedRequest(t, s, http.MethodPost, "/v1/things", clock.Now().Unix())
	sig := req.Header.Get(HeaderSignature)

	// v re-encoded from {27, 28} to {0, 1}.
	lowV, _ := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	lowV[64] -= 27

	tests := []struct {
		name string
		sig  string
	}{
		{"exact", sig},
		{"without 0x", strings.TrimPrefix(sig, "0x")},
		{"v as 0/1", "0x" + hex.EncodeToString(lowV)},
		{"upper-case hex", "0x" + strings.ToUpper(strings.TrimPrefix(sig, "0x"))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(NewVerifier(time.Minute).WithClock(clock))

			first := httptest.NewRequest(http.MethodPost, "/v1/things", nil)
			first.Header = req.Header.Clone()
			w := httptest.NewRecorder()
			r.ServeHTTP(w, first)
			if w.Code != http.StatusOK {
				t.Fatalf("first use: expected 200, got %d", w.Code)
			}

			replay := httptest.NewRequest(http.MethodPost, "/v1/things", nil)
			replay.Header = req.Header.Clone()
			replay.Header.Set(HeaderSignature, tc.sig)
			w = httptest.NewRecorder()
			r.ServeHTTP(w, replay)
			if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "replayed_signature") {
				t.Errorf("replay: expected 401 replayed_signature, got %d %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestMiddleware_BodyAvailableToHandler(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_800_000_000, 0))
	r := gin.New()
	r.Use(NewVerifier(time.Minute).WithClock(clock).Middleware())
	r.POST("/v1/echo", RequireSigner(), func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		c.String(http.StatusOK, string(b))
	})
	s, _ := GenerateKeySigner()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedBodyRequest(t, s, http.MethodPost, "/v1/echo", clock.Now().Unix(), `{"n":1}`))
	if w.Code != http.StatusOK || w.Body.String() != `{"n":1}` {
		t.Errorf("expected body echoed, got %d %q", w.Code, w.Body.String())
	}
}

func TestMiddleware_UnsignedPassThrough(t *testing.T) {
	r := newTestRouter(NewVerifier(time.Minute))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/open", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"signed":false`) {
		t.Errorf("unsigned GET: got %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/things", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned POST to protected route: expected 401, got %d", w.Code)
	}
}
