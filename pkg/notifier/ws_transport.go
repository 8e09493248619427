package notifier

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/fedclient/pkg/core"
)

// WSHandler exposes a Notifier topic feed to out-of-process watchers (a
// CLI or dashboard) over a websocket connection. One connection serves
// one topic, chosen by the "topic" query parameter.
type WSHandler struct {
	notifier *Notifier
	upgrader websocket.Upgrader
	logger   core.Logger
}

// NewWSHandler wraps n for websocket delivery.
func NewWSHandler(n *Notifier, logger core.Logger) *WSHandler {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &WSHandler{
		notifier: n,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// External watchers may run on a different origin than the
			// guardian-facing API; the client process is not itself a
			// multi-tenant server, so same-origin enforcement is left to
			// the embedding application.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket and streams every Update
// published on the requested topic until the client disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "missing topic query parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("notifier: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.notifier.Subscribe(topic)
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	// Drain and discard client->server frames so the websocket library's
	// internal read loop notices a closed connection promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				h.logger.Errorf("notifier: marshal update for websocket: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
