package directory

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fitpool/internal/validation"
)

// Handler serves read-only directory lookups. Responses may lag the
// authoritative /v1/challenges endpoints.
type Handler struct {
	cache  Cache
	logger *slog.Logger
}

// NewHandler creates a directory handler.
func NewHandler(cache Cache, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, logger: logger}
}

// RegisterRoutes sets up directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/directory/challenges/:id", h.GetChallenge)
	r.GET("/directory/members/:address/challenges", validation.AddressParamMiddleware(), h.ListMemberChallenges)
}

// GetChallenge handles GET /v1/directory/challenges/:id
func (h *Handler) GetChallenge(c *gin.Context) {
	snap, err := h.cache.GetChallenge(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Challenge not in directory",
		})
		return
	}
	if err != nil {
		h.logger.Error("directory lookup failed", "challengeId", c.Param("id"), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "directory_unavailable",
			"message": "Directory is temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": snap})
}

// ListMemberChallenges handles GET /v1/directory/members/:address/challenges
func (h *Handler) ListMemberChallenges(c *gin.Context) {
	ctx := c.Request.Context()
	addr := c.Param("address")

	ids, err := h.cache.MemberChallenges(ctx, addr)
	if err != nil {
		h.logger.Error("directory member lookup failed", "address", addr, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "directory_unavailable",
			"message": "Directory is temporarily unavailable",
		})
		return
	}

	type entry struct {
		Challenge  *ChallengeSnapshot  `json:"challenge,omitempty"`
		Membership *MembershipSnapshot `json:"membership"`
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		m, err := h.cache.GetMembership(ctx, id, addr)
		if err != nil {
			continue
		}
		snap, _ := h.cache.GetChallenge(ctx, id)
		entries = append(entries, entry{Challenge: snap, Membership: m})
	}
	c.JSON(http.StatusOK, gin.H{"challenges": entries, "count": len(entries)})
}
