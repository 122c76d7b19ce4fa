package relay

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// maxChangesPage bounds one /relay/items response.
const maxChangesPage = 1000

type changesRequest struct {
	After int64 `form:"after"`
	Limit int   `form:"limit"`
}

// NewRouter returns the HTTP endpoint the partner's HTTPPartner talks to.
// When metrics is non-nil it is mounted at /metrics.
func NewRouter(l *Ledger, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/relay/status", func(c *gin.Context) {
		st, err := localStatus(c.Request.Context(), l)
		if err != nil {
			handleInternalError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET("/relay/items", func(c *gin.Context) {
		var req changesRequest
		if err := c.BindQuery(&req); err != nil {
			handleInvalidInput(c, err)
			return
		}
		if req.Limit <= 0 || req.Limit > maxChangesPage {
			req.Limit = maxChangesPage
		}
		recs, err := l.Changes(c.Request.Context(), req.After, req.Limit)
		if err != nil {
			handleInternalError(c, err)
			return
		}
		c.JSON(http.StatusOK, recs)
	})

	r.POST("/relay/fetch", func(c *gin.Context) {
		var req fetchBody
		if err := c.ShouldBindJSON(&req); err != nil {
			handleInvalidInput(c, err)
			return
		}
		recs, err := l.Fetch(c.Request.Context(), req.IDs, req.Lo, req.Hi)
		if err != nil {
			handleInternalError(c, err)
			return
		}
		c.Header("X-Relay-Count", strconv.Itoa(len(recs)))
		c.JSON(http.StatusOK, recs)
	})

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

func handleInvalidInput(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func handleInternalError(c *gin.Context, err error) {
	slog.Error("relay endpoint failed", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
