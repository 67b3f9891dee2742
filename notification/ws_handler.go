package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades a recipient's request to a websocket connection,
// registers it on the hub, and flushes any notifications that were left
// undelivered while the recipient was offline. The recipient is whoever the
// recipient_id query parameter names; the handler performs no
// authentication.
type WSHandler struct {
	hub   *Hub
	store NotificationStore
	log   *slog.Logger
}

func NewWSHandler(hub *Hub, store NotificationStore, log *slog.Logger) *WSHandler {
	return &WSHandler{hub: hub, store: store, log: log}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		http.Error(w, "recipient_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &Connection{recipientID: recipientID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.hub.register(c)

	go h.hub.writePump(c)
	go h.hub.readPump(c)

	go h.flushUndelivered(context.Background(), recipientID)
}

// flushUndelivered replays rows persisted while recipientID had no open
// connection. A push failure here just leaves the row undelivered for the
// next connect, same as the live path.
func (h *WSHandler) flushUndelivered(ctx context.Context, recipientID string) {
	pending, err := h.store.ListUndelivered(ctx, recipientID)
	if err != nil {
		h.log.Error("failed to list undelivered notifications", slog.Any("error", err))
		return
	}
	for _, n := range pending {
		if h.hub.Push(recipientID, n.Payload) {
			if err := h.store.MarkDelivered(ctx, n.ID); err != nil {
				h.log.Error("failed to mark notification delivered", slog.String("id", n.ID), slog.Any("error", err))
			}
		}
	}
}
