package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-matchmaker/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaker/internal/session"
)

const commandTimeout = 10 * time.Second

// Controller is the part of the session coordinator the control API drives.
type Controller interface {
	Search(ctx context.Context) error
	Next(ctx context.Context) error
	Stop(ctx context.Context) error
	SendChat(ctx context.Context, text string) error
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

// ChatRequest is the body of POST /api/session/chat.
type ChatRequest struct {
	Text string `json:"text" binding:"required"`
}

// GetSession returns the current snapshot.
func GetSession(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Snapshot())
	}
}

// GetTranscript returns the chat transcript of the current session.
func GetTranscript(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"transcript": ctl.Snapshot().Transcript})
	}
}

// Search, Next and Stop map one-to-one onto coordinator commands.
func Search(ctl Controller) gin.HandlerFunc {
	return command("search", ctl.Search)
}

func Next(ctl Controller) gin.HandlerFunc {
	return command("next", ctl.Next)
}

func Stop(ctl Controller) gin.HandlerFunc {
	return command("stop", ctl.Stop)
}

func command(name string, run func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
		defer cancel()

		slog.Info("session command", "command", name, "operator", c.GetString(middleware.UserIDKey))
		if err := run(ctx); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

// SendChat appends a message to the transcript and sends it to the partner.
func SendChat(ctl Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
		defer cancel()
		if err := ctl.SendChat(ctx, req.Text); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNoPartner):
		c.JSON(http.StatusConflict, gin.H{"error": "No active partner"})
	case errors.Is(err, session.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Session not running"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Session busy"})
	default:
		slog.Error("session command failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
