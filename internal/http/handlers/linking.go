package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/broadcast"
	"github.com/signalix/identity/internal/httputil"
	"github.com/signalix/identity/internal/validation"
	"go.uber.org/zap"
)

const (
	linkWriteWait  = 10 * time.Second
	linkPongWait   = 60 * time.Second
	linkPingPeriod = linkPongWait * 9 / 10
)

var linkUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers are gated by CORS at the HTTP layer; native clients send no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LinkingHandler streams linking signals to a device that shows a link code and
// has no session yet.
type LinkingHandler struct {
	broadcaster broadcast.Broadcaster
	logger      *zap.Logger
}

func NewLinkingHandler(b broadcast.Broadcaster, logger *zap.Logger) *LinkingHandler {
	return &LinkingHandler{broadcaster: b, logger: logger}
}

type linkCodeParam struct {
	LinkCode string `json:"code" validate:"required,alphanum,min=4,max=64"`
}

// HandleSubscribe handles GET /ws/linking/{code}
func (h *LinkingHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := validation.Struct(linkCodeParam{LinkCode: code}); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub, err := h.broadcaster.Subscribe(ctx, code)
	if err != nil {
		httputil.WriteError(w, r, apperr.Transient("subscribe to link code", err), h.logger)
		return
	}
	defer sub.Close()

	conn, err := linkUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader: the client never sends payloads, but reading processes pongs and
	// notices the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(linkPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(linkPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(linkPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Debug("link relay write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
