package indexer

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// severityRow is one element of the GET /severity response. The shape
// matches what the dashboard's severity chart consumes.
type severityRow struct {
	Level string `json:"level"`
	Count uint64 `json:"count"`
}

// Handler exposes the severity aggregate over HTTP.
type Handler struct {
	ix *Indexer
}

// NewHandler creates a new indexer Handler.
func NewHandler(ix *Indexer) *Handler {
	return &Handler{ix: ix}
}

// Register mounts the severity and readiness routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/severity", h.Severity)
	r.GET("/readyz", h.Ready)
}

// Severity handles GET /severity. All three levels are always present,
// zero-filled if unseen. Served only once bootstrap has completed —
// a partially replayed aggregate is never presented as final.
func (h *Handler) Severity(c *gin.Context) {
	if !h.ix.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index not ready"})
		return
	}
	snap := h.ix.agg.Snapshot()
	c.JSON(http.StatusOK, []severityRow{
		{Level: "Low", Count: snap.Low},
		{Level: "Medium", Count: snap.Medium},
		{Level: "Critical", Count: snap.Critical},
	})
}

// Ready handles GET /readyz.
func (h *Handler) Ready(c *gin.Context) {
	if !h.ix.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
