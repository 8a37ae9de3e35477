package api

import (
	"context"
	"net/http"
	"strconv"

	"breakretest-bot/config"
	"breakretest-bot/internal/market"

	"github.com/gin-gonic/gin"
)

// ============================================================================
// ENGINE HANDLERS
// ============================================================================

// handleStatus returns the engine snapshot
func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.engine.Status())
}

// handleRisk returns the daily risk ledger
func (s *Server) handleRisk(c *gin.Context) {
	successResponse(c, s.engine.Status().Risk)
}

// handleInstances returns all live break/retest instances
func (s *Server) handleInstances(c *gin.Context) {
	successResponse(c, s.engine.Status().Instances)
}

// ============================================================================
// LEVEL HANDLERS
// ============================================================================

// handleLevels returns all levels registered for a symbol
func (s *Server) handleLevels(c *gin.Context) {
	symbol := c.Param("symbol")
	successResponse(c, s.engine.Levels(symbol))
}

type manualLevelRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Price       float64 `json:"price" binding:"required"`
	Description string  `json:"description"`
}

// handleManualLevel registers an operator-supplied level and arms it
// in both directions
func (s *Server) handleManualLevel(c *gin.Context) {
	var req manualLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	level, err := s.engine.RegisterManualLevel(req.Symbol, req.Price, req.Description)
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}

	successResponse(c, level)
}

type previousDayRequest struct {
	Symbol string  `json:"symbol" binding:"required"`
	High   float64 `json:"high" binding:"required"`
	Low    float64 `json:"low" binding:"required"`
}

// handlePreviousDayLevels registers the prior session's high and low
func (s *Server) handlePreviousDayLevels(c *gin.Context) {
	var req previousDayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if req.High <= req.Low {
		errorResponse(c, http.StatusBadRequest, "high must be above low")
		return
	}

	if err := s.engine.RegisterPreviousDay(req.Symbol, req.High, req.Low); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}

	successResponse(c, gin.H{"symbol": req.Symbol, "high": req.High, "low": req.Low})
}

// ============================================================================
// TRADE HANDLERS
// ============================================================================

// handleTrades returns the trades tracked by the running session
func (s *Server) handleTrades(c *gin.Context) {
	successResponse(c, s.engine.Status().Trades)
}

// handleTradeHistory returns persisted trades from the database
func (s *Server) handleTradeHistory(c *gin.Context) {
	if s.repo == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	trades, err := s.repo.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to fetch trade history")
		return
	}

	successResponse(c, trades)
}

// ============================================================================
// CONTROL HANDLERS
// ============================================================================

// handleFlattenAll closes every live trade and cancels pending orders
func (s *Server) handleFlattenAll(c *gin.Context) {
	results := s.engine.FlattenAll(c.Request.Context())
	successResponse(c, gin.H{
		"flattened": len(results),
		"results":   results,
	})
}

// handleResumeSymbol clears a tripped circuit breaker
func (s *Server) handleResumeSymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.engine.ResumeSymbol(symbol) {
		errorResponse(c, http.StatusNotFound, "Symbol is not suspended")
		return
	}
	successResponse(c, gin.H{"symbol": symbol, "resumed": true})
}

// handleSessionStart launches the per-symbol event loops
func (s *Server) handleSessionStart(c *gin.Context) {
	if err := s.engine.Start(context.Background()); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, s.engine.Status())
}

type sessionStopRequest struct {
	Flatten bool `json:"flatten"`
}

// handleSessionStop halts the engine, optionally flattening first
func (s *Server) handleSessionStop(c *gin.Context) {
	var req sessionStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
			return
		}
	}

	if err := s.engine.Stop(c.Request.Context(), req.Flatten); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"stopped": true, "flattened": req.Flatten})
}

// handleTicks is the market data ingress for push-based feeds
func (s *Server) handleTicks(c *gin.Context) {
	var ticks []market.Tick
	if err := c.ShouldBindJSON(&ticks); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	for _, tick := range ticks {
		s.engine.OnTick(tick)
	}
	successResponse(c, gin.H{"accepted": len(ticks)})
}

// ============================================================================
// CONFIG HANDLERS
// ============================================================================

// handleGetConfig returns the tunable configuration (no credentials)
func (s *Server) handleGetConfig(c *gin.Context) {
	successResponse(c, gin.H{
		"trading":         s.appConfig.TradingConfig,
		"strategy":        s.appConfig.StrategyConfig,
		"risk":            s.appConfig.RiskConfig,
		"circuit_breaker": s.appConfig.CircuitBreakerConfig,
		"broker":          s.appConfig.BrokerConfig.Name,
	})
}

type configUpdateRequest struct {
	Strategy       *config.StrategyConfig `json:"strategy"`
	Risk           *config.RiskConfig     `json:"risk"`
	FlattenAtClose *bool                  `json:"flatten_at_close"`
}

// handleUpdateConfig applies a validated config update to the running
// engine; a rejected update leaves the active config untouched
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req configUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	next := *s.appConfig
	if req.Strategy != nil {
		next.StrategyConfig = *req.Strategy
	}
	if req.Risk != nil {
		next.RiskConfig = *req.Risk
	}
	if req.FlattenAtClose != nil {
		next.TradingConfig.FlattenAtClose = *req.FlattenAtClose
	}

	if err := s.engine.UpdateConfig(&next); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	successResponse(c, gin.H{
		"strategy": next.StrategyConfig,
		"risk":     next.RiskConfig,
	})
}
