package challenges

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fitpool/internal/signer"
	"github.com/mbd888/fitpool/internal/usdc"
	"github.com/mbd888/fitpool/internal/validation"
)

// Handler provides HTTP endpoints for challenge operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new challenge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) challenge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/challenges", h.ListRecent)
	r.GET("/challenges/:id", h.GetChallenge)
	r.GET("/challenges/:id/participants", h.ListParticipants)
	r.GET("/challenges/:id/refunds", h.GetRefunds)
	r.GET("/accounts/:address/challenges", h.ListForAccount)
}

// RegisterProtectedRoutes sets up routes that require a signed request.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/challenges", h.CreateChallenge)
	r.POST("/challenges/:id/join", h.JoinChallenge)
	r.POST("/challenges/:id/complete", h.CompleteChallenge)
	r.POST("/challenges/:id/cancel", h.CancelChallenge)
	r.POST("/challenges/:id/settle", h.SettleChallenge)
}

// createChallengeRequest is the wire form of InitializeRequest; amounts are
// decimal USDC strings.
type createChallengeRequest struct {
	ChallengeID     string    `json:"challengeId"`
	Title           string    `json:"title"`
	EntryFee        string    `json:"entryFee"`
	PrizePool       string    `json:"prizePool"`
	MaxParticipants int       `json:"maxParticipants"`
	StartTime       time.Time `json:"startTime"`
	Deadline        time.Time `json:"deadline"`
}

type joinRequest struct {
	ExternalUserRef string `json:"externalUserRef"`
}

type completeRequest struct {
	Winners []Winner `json:"winners"`
}

// CreateChallenge handles POST /v1/challenges
func (h *Handler) CreateChallenge(c *gin.Context) {
	var req createChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("challengeId", req.ChallengeID),
		validation.ValidID("challengeId", req.ChallengeID),
		validation.MaxLength("title", req.Title, validation.MaxStringLength),
		validation.ValidAmount("entryFee", req.EntryFee),
		validation.ValidAmount("prizePool", req.PrizePool),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// ValidAmount already accepted both strings
	entryFee, _ := usdc.ParseUnits(req.EntryFee)
	prizePool, _ := usdc.ParseUnits(req.PrizePool)

	caller, _ := signer.FromContext(c)
	challenge, err := h.service.Initialize(c.Request.Context(), InitializeRequest{
		ChallengeID:     req.ChallengeID,
		Title:           validation.SanitizeString(req.Title, validation.MaxStringLength),
		EntryFee:        entryFee,
		PrizePool:       prizePool,
		MaxParticipants: req.MaxParticipants,
		StartTime:       req.StartTime,
		Deadline:        req.Deadline,
	}, caller)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"challenge": challenge})
}

// GetChallenge handles GET /v1/challenges/:id
func (h *Handler) GetChallenge(c *gin.Context) {
	challenge, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge, "status": challenge.Status()})
}

// ListParticipants handles GET /v1/challenges/:id/participants
func (h *Handler) ListParticipants(c *gin.Context) {
	participants, err := h.service.ListParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participants": participants,
		"count":        len(participants),
	})
}

// GetRefunds handles GET /v1/challenges/:id/refunds
func (h *Handler) GetRefunds(c *gin.Context) {
	refunds, err := h.service.RefundSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": refunds,
		"count":   len(refunds),
	})
}

// ListRecent handles GET /v1/challenges
func (h *Handler) ListRecent(c *gin.Context) {
	list, err := h.service.ListRecent(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenges": list, "count": len(list)})
}

// ListForAccount handles GET /v1/accounts/:address/challenges?role=creator|participant
func (h *Handler) ListForAccount(c *gin.Context) {
	address := c.Param("address")
	var (
		list []*Challenge
		err  error
	)
	switch c.DefaultQuery("role", "participant") {
	case "creator":
		list, err = h.service.ListByCreator(c.Request.Context(), address, queryLimit(c))
	case "participant":
		list, err = h.service.ListByParticipant(c.Request.Context(), address, queryLimit(c))
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be creator or participant",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenges": list, "count": len(list)})
}

// JoinChallenge handles POST /v1/challenges/:id/join
func (h *Handler) JoinChallenge(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	caller, _ := signer.FromContext(c)
	participant, err := h.service.Join(c.Request.Context(), c.Param("id"), caller,
		validation.SanitizeString(req.ExternalUserRef, validation.MaxStringLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": participant})
}

// CompleteChallenge handles POST /v1/challenges/:id/complete
func (h *Handler) CompleteChallenge(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var checks []validation.Check
	for i := range req.Winners {
		req.Winners[i].Address = validation.SanitizeAddress(req.Winners[i].Address)
		checks = append(checks, validation.ValidAddress("winners.address", req.Winners[i].Address))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller, _ := signer.FromContext(c)
	challenge, err := h.service.Complete(c.Request.Context(), c.Param("id"), req.Winners, caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge})
}

// CancelChallenge handles POST /v1/challenges/:id/cancel
func (h *Handler) CancelChallenge(c *gin.Context) {
	caller, _ := signer.FromContext(c)
	challenge, err := h.service.Cancel(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge})
}

// SettleChallenge handles POST /v1/challenges/:id/settle. Only the
// creator may trigger settlement ahead of the timer.
func (h *Handler) SettleChallenge(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	existing, err := h.service.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	caller, _ := signer.FromContext(c)
	if err := authorizeCreator(existing, caller); err != nil {
		writeError(c, err)
		return
	}

	challenge, err := h.service.Settle(ctx, id)
	if err != nil && challenge == nil {
		writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"challenge": challenge,
			"error":     "partially_settled",
			"message":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge})
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrChallengeNotFound), errors.Is(err, ErrParticipantNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDuplicateChallenge):
		status, code = http.StatusConflict, "duplicate_challenge"
	case errors.Is(err, ErrAlreadyJoined):
		status, code = http.StatusConflict, "already_joined"
	case errors.Is(err, ErrChallengeNotActive):
		status, code = http.StatusConflict, "challenge_not_active"
	case errors.Is(err, ErrChallengeFull):
		status, code = http.StatusConflict, "challenge_full"
	case errors.Is(err, ErrNotCancelled), errors.Is(err, ErrNotTerminal):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrVersionConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrChallengeExpired):
		status, code = http.StatusGone, "challenge_expired"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidParameters):
		status, code = http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, ErrInvalidWinner):
		status, code = http.StatusBadRequest, "invalid_winner"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func queryLimit(c *gin.Context) int {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return clampLimit(limit)
}
