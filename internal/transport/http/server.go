// Package apihttp exposes the operator API: position queries, risk status and
// manual commands. It is a control surface for a human, not a trading input.
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"krakenbotzyn/internal/engine"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/tracker"
)

// Server wraps the gin router around one engine.
type Server struct {
	addr   string
	router *gin.Engine
	srv    *http.Server
}

func NewServer(addr string, eng *engine.Engine) (*Server, error) {
	if eng == nil {
		return nil, errors.New("http server requires an engine")
	}
	if addr == "" {
		addr = ":9985"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	h := &handlers{eng: eng}
	api.GET("/positions", h.listPositions)
	api.GET("/positions/:symbol", h.getPosition)
	api.GET("/risk/summary", h.riskSummary)
	api.GET("/events", h.listEvents)
	api.POST("/commands/close", h.closePosition)
	api.POST("/commands/pause", h.pause)
	api.POST("/commands/resume", h.resume)

	return &Server{addr: addr, router: router}, nil
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http: listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

type handlers struct {
	eng *engine.Engine
}

func (h *handlers) listPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": h.eng.Positions()})
}

func (h *handlers) getPosition(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	pos, ok := h.eng.Position(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active position for " + symbol})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *handlers) riskSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.RiskSummary())
}

func (h *handlers) listEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	evts, err := h.eng.Events(limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

type closeRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Reason string `json:"reason"`
}

func (h *handlers) closePosition(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Reason == "" {
		req.Reason = "operator close"
	}
	fill, err := h.eng.Close(c.Request.Context(), symbol, req.Reason)
	if err != nil {
		if errors.Is(err, tracker.ErrPositionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": symbol, "fill": fill})
}

func (h *handlers) pause(c *gin.Context) {
	h.eng.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (h *handlers) resume(c *gin.Context) {
	h.eng.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// requestLogger records operator calls so manual interventions leave a trail.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/healthz") {
			return
		}
		logger.Infof("http: %s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
