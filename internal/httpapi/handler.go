// Package httpapi exposes the trust ledger and audit system over HTTP.
//
// The surface is read-and-verify oriented: appends happen through the
// receipt SDK inside the owning process, not over the wire. The only
// mutating endpoint is snapshot import, which is gated by an operator
// token.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sonate-protocol/sonate/internal/audit"
	"github.com/sonate-protocol/sonate/internal/ledger"
)

// Handler wires the ledger and audit endpoints into a Gin router.
type Handler struct {
	ledger      ledger.Ledger
	audit       *audit.System
	adminSecret string
	logger      *zap.Logger
}

// NewHandler creates a Handler. adminSecret gates the import endpoint; an
// empty secret disables it.
func NewHandler(l ledger.Ledger, a *audit.System, adminSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: l, audit: a, adminSecret: adminSecret, logger: logger}
}

// Register mounts all routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.VerifyChain)
		l.GET("/export", h.Export)
		l.POST("/import", RequireAdmin(h.adminSecret), h.Import)
		l.GET("/records/:id", h.GetRecord)
		l.GET("/records/:id/verify", h.VerifyRecord)
	}
	a := rg.Group("/audit")
	{
		a.GET("/events", h.QueryEvents)
		a.GET("/statistics", h.Statistics)
	}
}

// Overview handles GET /ledger — chain length, genesis anchor, and tip.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	RecordLedgerSize(count)
	c.JSON(http.StatusOK, gin.H{
		"records":      count,
		"genesis_hash": h.ledger.GenesisHash(),
		"root":         root,
	})
}

// VerifyChain handles GET /ledger/verify — walks the full chain. An intact
// chain and a broken one are both 200s: the verification outcome is data,
// not a transport failure.
func (h *Handler) VerifyChain(c *gin.Context) {
	result, err := h.ledger.VerifyChain(c.Request.Context())
	if err != nil {
		h.logger.Error("chain verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify chain"})
		return
	}
	RecordChainVerification(result.Valid)
	c.JSON(http.StatusOK, result)
}

// GetRecord handles GET /ledger/records/:id.
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		h.logger.Error("get record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// VerifyRecord handles GET /ledger/records/:id/verify.
func (h *Handler) VerifyRecord(c *gin.Context) {
	result, err := h.ledger.VerifyRecord(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		h.logger.Error("verify record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify record"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Export handles GET /ledger/export.
func (h *Handler) Export(c *gin.Context) {
	snap, err := h.ledger.Export(c.Request.Context())
	if err != nil {
		h.logger.Error("export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export ledger"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Import handles POST /ledger/import. A foreign genesis rejects the whole
// snapshot with 409; individual bad records are skipped and reported in
// the 200 body.
func (h *Handler) Import(c *gin.Context) {
	var snap ledger.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot body"})
		return
	}

	result, err := h.ledger.Import(c.Request.Context(), &snap)
	if err != nil {
		h.logger.Error("import", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to import snapshot"})
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, result)
		return
	}
	RecordImported(result.ImportedCount)
	c.JSON(http.StatusOK, result)
}

// QueryEvents handles GET /audit/events with category/actor/result/from/to
// query parameters.
func (h *Handler) QueryEvents(c *gin.Context) {
	f := ledger.Filter{
		Category: c.Query("category"),
		Actor:    c.Query("actor"),
		Result:   c.Query("result"),
	}
	if v := c.Query("from"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' timestamp"})
			return
		}
		f.From = ms
	}
	if v := c.Query("to"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' timestamp"})
			return
		}
		f.To = ms
	}

	records, err := h.audit.Query(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("query events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"events": records, "count": len(records)})
}

// Statistics handles GET /audit/statistics.
func (h *Handler) Statistics(c *gin.Context) {
	stats, err := h.audit.Statistics(c.Request.Context())
	if err != nil {
		h.logger.Error("statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
