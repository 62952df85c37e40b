package controller

import (
	"context"
	"net/http"
	"time"

	"hive/pkg/utils/logger"
	"hive/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	watchWriteWait = 5 * time.Second
	watchMaxAge    = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the API is served behind the gateway, which owns origin policy
	CheckOrigin: func(*http.Request) bool { return true },
}

// WatchFrame is sent while a submission is pending.
type WatchFrame struct {
	Status string `json:"status"`
	Stage  string `json:"stage,omitempty"`
}

// Watch streams status frames over a websocket until the submission
// completes, then sends the final submission and closes.
func (h *SubmissionController) Watch(c *gin.Context) {
	sub, err := h.load(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), watchMaxAge)
	defer cancel()
	// reads only detect the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.watchPoll)
	defer ticker.Stop()
	for {
		if !sub.Pending() {
			detail, err := h.detail(ctx, sub)
			if err != nil {
				logger.Warn(ctx, "watch detail failed", zap.String("submission_id", sub.ID), zap.Error(err))
				h.closeWatch(conn, websocket.CloseInternalServerErr, "report unavailable")
				return
			}
			if err := h.send(conn, detail); err != nil {
				return
			}
			h.closeWatch(conn, websocket.CloseNormalClosure, "completed")
			return
		}

		frame := WatchFrame{Status: StatusPending}
		if attempt, ok := h.grader.Lookup(sub.ID); ok {
			frame.Stage = string(attempt.Phase)
		}
		if err := h.send(conn, frame); err != nil {
			return
		}

		// local attempts wake the watcher directly; otherwise poll
		done, _ := h.grader.Watch(sub.ID)
		select {
		case <-ctx.Done():
			h.closeWatch(conn, websocket.CloseGoingAway, "watch expired")
			return
		case <-done:
		case <-ticker.C:
		}

		next, err := h.submissions.GetByID(ctx, sub.ID)
		if err != nil {
			logger.Warn(ctx, "watch reload failed", zap.String("submission_id", sub.ID), zap.Error(err))
			h.closeWatch(conn, websocket.CloseInternalServerErr, "reload failed")
			return
		}
		sub = next
	}
}

func (h *SubmissionController) send(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(v)
}

func (h *SubmissionController) closeWatch(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
}
