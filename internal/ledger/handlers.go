package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fitpool/internal/idgen"
	"github.com/mbd888/fitpool/internal/usdc"
	"github.com/mbd888/fitpool/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/ledger", h.GetHistory)
}

// RegisterDevRoutes sets up the faucet-style deposit route. Development
// only: production balances arrive through on-chain deposit detection.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/deposit", h.RecordDeposit)
}

// GetBalance handles GET /v1/accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":   balance,
		"available": usdc.FormatUnits(balance.Available),
		"pending":   usdc.FormatUnits(balance.Pending),
	})
}

// GetHistory handles GET /v1/accounts/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest for development deposits
type DepositRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// RecordDeposit handles POST /v1/accounts/:address/deposit
func (h *Handler) RecordDeposit(c *gin.Context) {
	address := c.Param("address")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", address),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("reference", req.Reference, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, _ := usdc.ParseUnits(req.Amount)
	ref := req.Reference
	if ref == "" {
		ref = idgen.WithPrefix("dep_")
	}

	if err := h.ledger.Deposit(c.Request.Context(), address, amount, ref); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit already processed",
			})
			return
		}
		h.logger.Error("deposit failed", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":    "credited",
		"reference": ref,
		"amount":    usdc.FormatUnits(amount),
	})
}
