package signer

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

const (
	HeaderAddress   = "X-Signer-Address"
	HeaderTimestamp = "X-Signer-Timestamp"
	HeaderSignature = "X-Signer-Signature"

	// ContextKeySigner is the gin context key holding the verified Identity.
	ContextKeySigner = "signerAddr"

	DefaultMaxSkew = 5 * time.Minute
)

// Verifier authenticates signed requests.
type Verifier struct {
	maxSkew time.Duration
	clock   clockwork.Clock

	mu   sync.Mutex
	seen map[string]time.Time // hex(r || s) -> expiry
}

// NewVerifier creates a verifier accepting timestamps within maxSkew of now.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{
		maxSkew: maxSkew,
		clock:   clockwork.NewRealClock(),
		seen:    make(map[string]time.Time),
	}
}

// WithClock replaces the clock used for skew checks.
func (v *Verifier) WithClock(c clockwork.Clock) *Verifier {
	v.clock = c
	return v
}

// Middleware verifies the signature headers when present and stores the
// signer Identity in the context. Requests without headers pass through
// unauthenticated; bad signatures are rejected outright. The body is read
// for the digest and restored for the handler.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		if addr == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Failed to read request body",
				})
				return
			}
			body = b
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		if code, msg := v.verify(c.Request.Method, c.Request.URL.Path, addr,
			c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), body); code != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": msg,
			})
			return
		}

		c.Set(ContextKeySigner, Identity(strings.ToLower(addr)))
		c.Next()
	}
}

func (v *Verifier) verify(method, path, addr, tsHeader, sigHex string, body []byte) (code, msg string) {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "invalid_timestamp", HeaderTimestamp + " must be unix seconds"
	}
	now := v.clock.Now()
	signedAt := time.Unix(ts, 0)
	if d := now.Sub(signedAt); d > v.maxSkew || d < -v.maxSkew {
		return "stale_signature", "signature timestamp outside allowed window"
	}
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return "invalid_signature", err.Error()
	}
	recovered, err := recoverSigner(RequestMessage(method, path, ts, body), sig)
	if err != nil {
		return "invalid_signature", err.Error()
	}
	if !strings.EqualFold(recovered, addr) {
		return "invalid_signature", ErrSignerMismatch.Error()
	}
	// Keyed on r || s: re-encodings of v or the 0x prefix are the same signature.
	if !v.remember(hex.EncodeToString(sig[:64]), signedAt.Add(v.maxSkew), now) {
		return "replayed_signature", "signature has already been used"
	}
	return "", ""
}

// remember records key until expiry and reports whether it was new.
func (v *Verifier) remember(key string, expiry, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for s, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, s)
		}
	}
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = expiry
	return true
}

// RequireSigner rejects requests the Middleware did not authenticate.
func RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include " + HeaderAddress + ", " + HeaderTimestamp + " and " + HeaderSignature + " headers.",
			})
			return
		}
		c.Next()
	}
}

// FromContext returns the verified signer, if any.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ContextKeySigner)
	if !ok {
		return "", false
	}
	id, ok := v.(Identity)
	return id, ok && id != ""
}
