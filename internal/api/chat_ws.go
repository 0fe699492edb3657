package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collectbot/internal/apperr"
	"collectbot/internal/auth"
	"collectbot/internal/models"
	"collectbot/internal/worker"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
	wsTurnTimeout  = 2 * time.Minute
)

type wsRequest struct {
	Message string `json:"message"`
}

// chatSocket keeps a conversation open over a websocket. Every {"message": ...} frame is
// one turn; the reply is written back as a MessageBot frame, failures as {"error": ...}.
func (h *Handler) chatSocket(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		h.writeError(c, apperr.ErrUnauthorized)
		return
	}
	policy := newOriginPolicy(h.origins)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || policy.allows(origin)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ctx := c.Request.Context()
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", "user_id", user.ID, "error", err)
			}
			return
		}
		text := strings.TrimSpace(req.Message)
		if text == "" {
			if !h.writeFrame(conn, gin.H{"error": "message is required"}) {
				return
			}
			continue
		}
		turnCtx, cancel := context.WithTimeout(ctx, wsTurnTimeout)
		reply, err := h.chat.Talk(turnCtx, models.Message{
			CreatedAt: models.Now(),
			UserID:    user.ID,
			Message:   text,
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !h.writeFrame(conn, gin.H{"error": h.frameError(user.ID, err)}) {
				return
			}
			continue
		}
		if !h.writeFrame(conn, reply) {
			return
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v) == nil
}

func (h *Handler) frameError(userID int64, err error) string {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "server is busy, please retry"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	}
	if apperr.Status(err) == http.StatusInternalServerError {
		h.logger.Error("websocket turn failed", "user_id", userID, "error", err)
	}
	return apperr.Message(err)
}
