package api

import (
	"net/http"
	"strconv"
	"time"

	"gridpilot/grid"
	"gridpilot/signal"

	"github.com/gin-gonic/gin"
)

// handleHealth Health check plus a coarse runtime status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"trading_enabled":  s.deps.Executor.Enabled(),
		"pending_signals":  s.deps.Queue.PendingCount(),
		"position_version": s.deps.Cache.Version(),
	})
}

// handlePositions returns every cached position plus the change cursor.
// Clients poll the version and refetch only when it moved.
func (s *Server) handlePositions(c *gin.Context) {
	positions, version := s.deps.Cache.List()
	c.JSON(http.StatusOK, gin.H{
		"version":   version,
		"positions": positions,
	})
}

// handlePositionsVersion returns only the change cursor
func (s *Server) handlePositionsVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.deps.Cache.Version()})
}

// handleTrades returns recent trade records
func (s *Server) handleTrades(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	trades, err := s.deps.Store.Trade().Recent(c.Query("code"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// ==================== Manual signals ====================

var manualKinds = map[signal.Kind]bool{
	signal.KindStopLoss:       true,
	signal.KindTakeProfitInit: true,
	signal.KindTakeProfitDyn:  true,
	signal.KindGridExit:       true,
}

// handleManualSignal enqueues an operator-initiated signal. It takes the
// same validation path as detector signals at execution time, so a 202
// here does not guarantee execution.
func (s *Server) handleManualSignal(c *gin.Context) {
	var req struct {
		Code   string  `json:"code" binding:"required"`
		Kind   string  `json:"kind" binding:"required"`
		Volume float64 `json:"volume"`
		Ratio  float64 `json:"ratio"`
		Reason string  `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	kind := signal.Kind(req.Kind)
	if !manualKinds[kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported signal kind: " + req.Kind})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	sig := &signal.Signal{
		Code:   req.Code,
		Kind:   kind,
		Volume: req.Volume,
		Ratio:  req.Ratio,
		Reason: reason,
	}
	if kind == signal.KindGridExit {
		if sess, ok := s.deps.Engine.ActiveSession(req.Code); ok {
			sig.SessionID = sess.ID
		}
	}
	s.deps.Queue.Enqueue(sig)
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "queued",
		"message": "signal enqueued, validated at execution time",
	})
}

// ==================== Grid sessions ====================

// handleCreateSession creates a grid session on operator confirmation
func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Code          string  `json:"code" binding:"required"`
		Interval      float64 `json:"interval" binding:"required"`
		TradeRatio    float64 `json:"trade_ratio"`
		BuyAmount     float64 `json:"buy_amount"`
		CallbackRatio float64 `json:"callback_ratio" binding:"required"`
		MaxInvestment float64 `json:"max_investment"`
		MaxDeviation  float64 `json:"max_deviation"`
		TargetProfit  float64 `json:"target_profit"`
		StopLoss      float64 `json:"stop_loss"`
		DurationHours int     `json:"duration_hours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sess, err := s.deps.Engine.CreateSession(req.Code, grid.Config{
		Interval:      req.Interval,
		TradeRatio:    req.TradeRatio,
		BuyAmount:     req.BuyAmount,
		CallbackRatio: req.CallbackRatio,
		MaxInvestment: req.MaxInvestment,
		MaxDeviation:  req.MaxDeviation,
		TargetProfit:  req.TargetProfit,
		StopLoss:      req.StopLoss,
		Duration:      time.Duration(req.DurationHours) * time.Hour,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// handleStopSession routes an operator stop through the signal queue so it
// is arbitrated and logged like every other signal
func (s *Server) handleStopSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.deps.Engine.SessionByID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No non-terminal session with id " + id})
		return
	}

	s.deps.Queue.Enqueue(&signal.Signal{
		Code:      sess.Code,
		Kind:      signal.KindGridExit,
		SessionID: sess.ID,
		Reason:    "operator_stop",
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// handleListSessions lists sessions from the durable layer
func (s *Server) handleListSessions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	sessions, err := s.deps.Store.Grid().ListSessions(c.Query("code"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// handleGetSession returns one session with its fills
func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.deps.Store.Grid().LoadSession(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found: " + id})
		return
	}
	trades, err := s.deps.Store.Grid().LoadTrades(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "trades": trades})
}

// ==================== Config ====================

// handleGetConfig returns every registered tunable with its persisted value
func (s *Server) handleGetConfig(c *gin.Context) {
	out := make(map[string]string)
	for _, key := range s.deps.Registry.Keys() {
		value, err := s.deps.Registry.Value(key)
		if err != nil {
			continue
		}
		out[key] = value
	}
	c.JSON(http.StatusOK, out)
}

// handleUpdateConfig applies one runtime change through the typed registry
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := s.deps.Registry.Apply(req.Key, req.Value, "api"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

// handleConfigHistory returns recorded config changes
func (s *Server) handleConfigHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	history, err := s.deps.Store.Config().History(c.Query("key"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, history)
}

// handleRestarts returns the supervisor's restart history
func (s *Server) handleRestarts(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Supervisor.History())
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
