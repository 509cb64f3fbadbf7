// Package api serves the read-only ops endpoints: status, positions,
// signals, the watch list and the daily ledger, plus the dry-mode override
// toggle.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"coinpilot/internal/ops"
	"coinpilot/internal/position"
	"coinpilot/internal/report"
	"coinpilot/internal/settings"
	"coinpilot/internal/signal"
	"coinpilot/internal/watchlist"
)

// Server wires HTTP endpoints around the runner and the stores.
type Server struct {
	Router   *gin.Engine
	Runner   *ops.Runner
	Ledger   *position.Ledger
	Signals  *signal.Engine
	Registry *watchlist.Registry
	Reports  *report.Aggregator
	Settings *settings.Store
}

func NewServer(runner *ops.Runner, ledger *position.Ledger, signals *signal.Engine, registry *watchlist.Registry, reports *report.Aggregator, store *settings.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(15 * time.Second))

	s := &Server{
		Router:   r,
		Runner:   runner,
		Ledger:   ledger,
		Signals:  signals,
		Registry: registry,
		Reports:  reports,
		Settings: store,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/positions/open", s.getOpenPositions)
		api.GET("/signals", s.getSignals)
		api.GET("/watchlist", s.getWatchList)
		api.GET("/ledger", s.getLedger)

		api.POST("/dry/:state", s.setDryOverride)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	st, err := s.Runner.Heartbeat(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getPositions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	positions, err := s.Ledger.RecentPositions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getOpenPositions(c *gin.Context) {
	positions, err := s.Ledger.GetOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getSignals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	signals, err := s.Signals.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) getWatchList(c *gin.Context) {
	entries, err := s.Registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": entries})
}

func (s *Server) getLedger(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	rows, err := s.Reports.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": rows})
}

// setDryOverride persists the manual dry-mode override: "on", "off", or
// "clear" to fall back to config and the night window.
func (s *Server) setDryOverride(c *gin.Context) {
	state := c.Param("state")
	ctx := c.Request.Context()

	var err error
	switch state {
	case "on", "off":
		err = s.Settings.Set(ctx, settings.KeyDryOverride, state)
	case "clear":
		err = s.Settings.Delete(ctx, settings.KeyDryOverride)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be on, off, or clear"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dry_override": state})
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
