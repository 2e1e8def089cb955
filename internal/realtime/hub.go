// Package realtime pushes inserted chat messages and status changes to
// subscribed websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"caseguard/api/internal/session"
	"caseguard/api/internal/store"
)

// Authorizer decides who may connect and which chats they may follow.
type Authorizer interface {
	Verify(ctx context.Context, token string) (session.Identity, bool, error)
	CanSubscribe(ctx context.Context, identity session.Identity, chatID string) (bool, error)
}

type inboundFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

type ackFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type insertEvent struct {
	Type   string    `json:"type"`
	Table  string    `json:"table"`
	Record store.Row `json:"record"`
}

type statusEvent struct {
	Type   string         `json:"type"`
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
}

type Hub struct {
	router   *Router
	auth     Authorizer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHub(auth Authorizer, logger *zap.Logger, allowedOrigin string) *Hub {
	return &Hub{
		router: NewRouter(),
		auth:   auth,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

// PublishMessage fans an inserted chat message out to the chat's subscribers.
func (h *Hub) PublishMessage(chatID string, record store.Row) {
	payload, err := json.Marshal(insertEvent{Type: "insert", Table: string(store.KindChatMessages), Record: record})
	if err != nil {
		h.logger.Warn("marshal realtime message", zap.Error(err))
		return
	}
	delivered := h.router.Broadcast(chatID, payload)
	h.logger.Debug("realtime message published", zap.String("chat_id", chatID), zap.Int("delivered", delivered))
}

// PublishStatus tells the affected user's connections that their flags changed.
func (h *Hub) PublishStatus(status store.UserStatus) {
	payload, err := json.Marshal(statusEvent{
		Type:  "update",
		Table: "user_status",
		Record: map[string]any{
			"user_id":               status.UserID,
			"role":                  status.Role,
			"tier":                  status.Tier,
			"case_count":            status.CaseCount,
			"messaging_blocked":     status.MessagingBlocked,
			"case_creation_blocked": status.CaseCreationBlocked,
		},
	})
	if err != nil {
		h.logger.Warn("marshal realtime status", zap.Error(err))
		return
	}
	h.router.NotifyUser(status.UserID, payload)
}

func (h *Hub) Close() {
	h.router.Close()
}

// ServeHTTP upgrades the request and runs the subscription loop until the
// client goes away. Browsers cannot set headers on websocket requests, so the
// token may also arrive as the access_token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	identity, ok, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		h.logger.Error("realtime session lookup failed", zap.Error(err))
		http.Error(w, `{"code":"SERVER_ERROR","error":"Session lookup failed"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"code":"UNAUTHORIZED","error":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(identity.UserID, ws)
	h.router.Attach(conn)
	defer func() {
		h.router.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	h.reply(conn, ackFrame{Type: "connected"})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("websocket read ended", zap.String("user_id", identity.UserID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(conn, errorFrame{Type: "error", Code: "bad_request", Error: "invalid payload"})
			continue
		}

		switch frame.Type {
		case "subscribe":
			h.subscribe(r.Context(), conn, identity, frame.ChatID)
		case "unsubscribe":
			h.router.Leave(frame.ChatID, conn)
			h.reply(conn, ackFrame{Type: "unsubscribed", ChatID: frame.ChatID})
		case "ping":
			h.reply(conn, ackFrame{Type: "pong"})
		default:
			h.reply(conn, errorFrame{Type: "error", Code: "unsupported_type", Error: "unknown frame type"})
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, conn *Connection, identity session.Identity, chatID string) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		h.reply(conn, errorFrame{Type: "error", Code: "bad_request", Error: "chatId is required"})
		return
	}
	allowed, err := h.auth.CanSubscribe(ctx, identity, chatID)
	if err != nil {
		h.logger.Warn("realtime subscribe check failed", zap.String("chat_id", chatID), zap.Error(err))
		h.reply(conn, errorFrame{Type: "error", Code: "server_error", Error: "subscription failed"})
		return
	}
	if !allowed {
		h.reply(conn, errorFrame{Type: "error", Code: "forbidden", Error: "not allowed to follow this case"})
		return
	}
	h.router.Join(chatID, conn)
	h.reply(conn, ackFrame{Type: "subscribed", ChatID: chatID})
}

func (h *Hub) reply(conn *Connection, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}

func requestToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
