// ABOUTME: gin engine construction: middleware and the route table
// ABOUTME: Request logging and panic recovery go through slog

package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/triage-gateway/internal/auth"
)

// routes builds the engine. Health is public; everything else passes the
// auth middleware, which is a no-op when no secret is configured. Ticket
// listing and status changes additionally need an agent token.
func (g *Gateway) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(g.logger), requestLogger(g.logger))

	r.GET("/health", g.handleHealth)

	authed := r.Group("/", auth.Middleware(g.verifier))
	authed.GET("/ws", g.handleWebSocket)

	api := authed.Group("/api")
	api.POST("/chat", g.handleChat)
	api.GET("/conversations/:id", g.handleGetConversation)
	api.GET("/conversations/:id/messages", g.handleListMessages)
	api.POST("/conversations/:id/close", g.handleCloseConversation)
	api.GET("/tickets/:id", g.handleGetTicket)

	// Listing and moving tickets is agent work
	agents := api.Group("", auth.RequireRole(auth.RoleAgent))
	agents.GET("/tickets", g.handleListTickets)
	agents.POST("/tickets/:id/status", g.handleTicketStatus)
	api.POST("/feedback", g.handleFeedback)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

// requestLogger logs one line per request. Successful requests log at debug
// so the WebSocket and health traffic stays quiet.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start),
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", attrs...)
		case status >= http.StatusBadRequest:
			logger.Warn("request rejected", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	}
}

// recovery turns a handler panic into a 500 and an error log line.
func recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		logger.Error("panic in handler",
			"panic", recovered,
			"method", c.Request.Method,
			"path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
