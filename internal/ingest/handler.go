package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/ledger"
)

// Handler exposes the ingestion webhook over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a new ingestion Handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the ingestion routes. /wazuh is the legacy path the
// monitoring agent's integration script posts to; both routes share one
// handler.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/ingest", h.Ingest)
	r.POST("/wazuh", h.Ingest)
}

// Ingest handles POST /ingest. The response is sent only after the
// ledger confirmed the commit — no optimistic acknowledgment.
func (h *Handler) Ingest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return
	}

	res, err := h.svc.Ingest(c.Request.Context(), body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrMalformedInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		// Cause stays in the operational log; the caller gets an opaque
		// failure it may retry.
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
	}
}
