package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes read-only HTTP endpoints for the ledger: record
// lookups and the hash chain behind them.
type Handler struct {
	client Client
	chain  Chain
	logger *zap.Logger
}

// NewHandler creates a new ledger Handler.
func NewHandler(client Client, chain Chain, logger *zap.Logger) *Handler {
	return &Handler{client: client, chain: chain, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/logs/:id", h.GetLog)
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:idx", h.GetEntry)
	}
}

// GetLog handles GET /logs/:id — returns the stored record.
func (h *Handler) GetLog(c *gin.Context) {
	rec, err := h.client.FetchRecord(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"logId":       rec.LogID,
			"agentId":     rec.AgentID,
			"level":       rec.Level,
			"description": rec.Description,
			"fingerprint": rec.FingerprintHex(),
			"rawLog":      rec.RawLog,
			"timestamp":   rec.Timestamp,
			"seq":         rec.Seq,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "log not found"})
	default:
		h.logger.Error("fetch record", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger unavailable"})
	}
}

// Overview handles GET /ledger — returns the chain length and current root hash.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.chain.Len(ctx)
	if err != nil {
		h.logger.Error("chain Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	root, err := h.chain.Root(ctx)
	if err != nil {
		h.logger.Error("chain Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
	})
}

// Verify handles GET /ledger/verify — walks the full chain and reports integrity.
func (h *Handler) Verify(c *gin.Context) {
	if err := h.chain.VerifyChain(c.Request.Context()); err != nil {
		h.logger.Warn("chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /ledger/entries/:idx — returns a single chain entry.
func (h *Handler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.chain.Entry(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
