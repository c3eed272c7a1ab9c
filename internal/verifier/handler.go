package verifier

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// verifyRequest is the POST /verify body. Exactly one of Payload and
// Digest must be set.
type verifyRequest struct {
	LogID   string  `json:"logId" binding:"required"`
	Payload *string `json:"payload"`
	Digest  *string `json:"digest"`
}

// Handler exposes verification over HTTP.
type Handler struct {
	verifier *Verifier
	logger   *zap.Logger
}

// NewHandler creates a new verification Handler.
func NewHandler(v *Verifier, logger *zap.Logger) *Handler {
	return &Handler{verifier: v, logger: logger}
}

// Register mounts the verification route on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify", h.Verify)
}

// Verify handles POST /verify. 200 carries the verdict either way;
// 502 means the ledger could not be reached at all.
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Payload == nil) == (req.Digest == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of payload or digest is required"})
		return
	}

	var (
		res Result
		err error
	)
	if req.Payload != nil {
		res, err = h.verifier.VerifyPayload(c.Request.Context(), req.LogID, *req.Payload)
	} else {
		res, err = h.verifier.VerifyDigest(c.Request.Context(), req.LogID, *req.Digest)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, res)
}
