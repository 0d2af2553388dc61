// Package handler exposes the rewards ledger over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/statornet/rewards-ledger/internal/auth"
	"github.com/statornet/rewards-ledger/internal/ledgerstore"
	"github.com/statornet/rewards-ledger/internal/rewards"
)

// maxLogPage caps GET /log page sizes; it is also the default.
const maxLogPage = 1000

// RewardsHandler serves the ledger API endpoints.
type RewardsHandler struct {
	svc    *rewards.Service
	logger *zap.Logger
}

// NewRewardsHandler creates a new RewardsHandler.
func NewRewardsHandler(svc *rewards.Service, logger *zap.Logger) *RewardsHandler {
	return &RewardsHandler{svc: svc, logger: logger}
}

// Register mounts the ledger routes on the given router.
func (h *RewardsHandler) Register(r gin.IRouter) {
	r.POST("/scores", h.PostScores)
	r.POST("/paid", h.PostPaid)
	r.GET("/scheduled-rewards", h.GetScheduledRewards)
	r.GET("/scheduled-rewards/:address", h.GetScheduledRewardsOf)
	r.GET("/log", h.GetLog)
}

type signatureBody struct {
	V int    `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

type scoresBody struct {
	Participants []string      `json:"participants"`
	Scores       []string      `json:"scores"`
	Signature    signatureBody `json:"signature"`
}

type paidBody struct {
	Participants []string      `json:"participants"`
	Rewards      []string      `json:"rewards"`
	Signature    signatureBody `json:"signature"`
}

// PostScores handles POST /scores — signature-authorized balance increases
// derived from participant scores.
func (h *RewardsHandler) PostScores(c *gin.Context) {
	var body scoresBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	balances, err := h.svc.Increase(c.Request.Context(), body.Participants, body.Scores,
		auth.Signature{V: body.Signature.V, R: body.Signature.R, S: body.Signature.S})
	if err != nil {
		h.writeError(c, err)
		return
	}
	RecordMutation("scores", len(balances))
	c.JSON(http.StatusOK, balances)
}

// PostPaid handles POST /paid — signature-authorized balance decreases after
// a confirmed on-chain payout.
func (h *RewardsHandler) PostPaid(c *gin.Context) {
	var body paidBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	balances, err := h.svc.MarkPaid(c.Request.Context(), body.Participants, body.Rewards,
		auth.Signature{V: body.Signature.V, R: body.Signature.R, S: body.Signature.S})
	if err != nil {
		h.writeError(c, err)
		return
	}
	RecordMutation("paid", len(balances))
	c.JSON(http.StatusOK, balances)
}

// GetScheduledRewards handles GET /scheduled-rewards — every balance keyed
// by address, amounts as decimal strings.
func (h *RewardsHandler) GetScheduledRewards(c *gin.Context) {
	balances, err := h.svc.AllBalances(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balances)
}

// GetScheduledRewardsOf handles GET /scheduled-rewards/:address — one
// balance, "0" for addresses the ledger has never seen.
func (h *RewardsHandler) GetScheduledRewardsOf(c *gin.Context) {
	balance, err := h.svc.BalanceOf(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// GetLog handles GET /log — a position-ordered page of balance changes.
// Clients page by passing the last position they saw as after.
func (h *RewardsHandler) GetLog(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxLogPage)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxLogPage {
		limit = maxLogPage
	}

	entries, err := h.svc.Log(c.Request.Context(), after, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []ledgerstore.LogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// writeError maps service errors to HTTP statuses. Rejected mutations are
// the client's fault; everything else is the store's.
func (h *RewardsHandler) writeError(c *gin.Context, err error) {
	var (
		validationErr *rewards.ValidationError
		authErr       *rewards.AuthorizationError
		negativeErr   *ledgerstore.NegativeBalanceError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Reason})
	case errors.As(err, &authErr):
		c.JSON(http.StatusForbidden, gin.H{"error": authErr.Reason})
	case errors.As(err, &negativeErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "payout exceeds scheduled rewards for " + negativeErr.Address.Hex(),
		})
	default:
		h.logger.Error("ledger operation failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// NotFound is the JSON 404 handler for unmatched routes.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}
