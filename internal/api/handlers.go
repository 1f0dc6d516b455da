package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"binance-signal-service/internal/strategy"
)

// handleHealthz is liveness plus a compact component health view.
func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{
		"status":      "ok",
		"mode":        s.deps.Mode(),
		"clock_state": s.deps.ClockState(),
		"symbols":     s.deps.Health(),
	}
	if s.deps.Cache != nil {
		resp["redis"] = s.deps.Cache.HealthCheck(c.Request.Context())
	}
	if s.deps.DB != nil {
		dbStatus := "healthy"
		if err := s.deps.DB.HealthCheck(c.Request.Context()); err != nil {
			dbStatus = "unhealthy: " + err.Error()
		}
		resp["database"] = dbStatus
	} else {
		resp["database"] = "disabled"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"run_id":         s.deps.RunID,
		"mode":           s.deps.Mode(),
		"clock_state":    s.deps.ClockState(),
		"symbols":        s.deps.Health(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"time":           time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Cache != nil {
		status["redis"] = s.deps.Cache.HealthCheck(c.Request.Context())
	}
	if s.deps.DB != nil {
		dbStatus := "healthy"
		if err := s.deps.DB.HealthCheck(c.Request.Context()); err != nil {
			dbStatus = "unhealthy: " + err.Error()
		}
		status["database"] = dbStatus
	} else {
		status["database"] = "disabled"
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRiskState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Risk.Snapshot())
}

// handleLatestCards serves recent cards from the archive when enabled,
// falling back to the per-symbol Redis cache.
func (s *Server) handleLatestCards(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	// Cache first: the latest card is the common ask. The archive serves
	// history and cache misses.
	if limit == 1 && s.deps.Cache != nil && s.deps.Cache.Enabled() {
		var card strategy.ProposalCard
		found, err := s.deps.Cache.GetLatestCard(c.Request.Context(), symbol, &card)
		if err != nil {
			s.logger.Warn().Err(err).Msg("latest card cache read failed")
		} else if found {
			c.JSON(http.StatusOK, gin.H{"symbol": symbol, "cards": []strategy.ProposalCard{card}, "source": "cache"})
			return
		}
	}

	if s.deps.Repo != nil {
		cards, err := s.deps.Repo.RecentCards(c.Request.Context(), symbol, limit)
		if err != nil {
			s.logger.Warn().Err(err).Msg("recent cards query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "archive query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "cards": cards, "source": "database"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "cards": []strategy.ProposalCard{}, "source": "none"})
}
