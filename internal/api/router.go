// Package api exposes the session over HTTP: health/session/stats endpoints
// and the WebSocket upgrade route that bridges wire frames to a hub.Hub.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aaronsb/livetranscripts/internal/hub"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// Router wires a session registry onto chi routes. Only one session is
// created at startup today, but the registry keeps the routing layer from
// needing a rewrite if a future entrypoint creates more than one.
type Router struct {
	hub       *hub.Hub
	registry  *hub.Registry
	sessionID string
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// NewRouter builds a Router serving h, registered in reg under sessionID.
func NewRouter(h *hub.Hub, reg *hub.Registry, sessionID string, log *logger.Logger) *Router {
	return &Router{
		hub:       h,
		registry:  reg,
		sessionID: sessionID,
		log:       log.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes builds the chi handler tree.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger, middleware.Recoverer)

	r.Get("/healthz", rt.handleHealthz)
	r.Get("/api/session", rt.handleSession)
	r.Get("/api/sessions", rt.handleSessions)
	r.Get("/api/stats", rt.handleStats)
	r.Get("/ws", rt.handleWebSocket)

	return r
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleSession(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.hub.Snapshot())
}

// handleSessions reports the registry's live session count and confirms
// this router's own session is still registered under its id.
func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	_, ok := rt.registry.Get(rt.sessionID)
	rt.writeJSON(w, http.StatusOK, map[string]any{
		"count":      rt.registry.Len(),
		"session_id": rt.sessionID,
		"registered": ok,
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	rt.writeJSON(w, http.StatusOK, rt.hub.Dispatcher().Stats())
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rt.log.Error("failed to encode response", logger.Error(err))
	}
}

// handleWebSocket upgrades the connection and bridges it to a subscriber.
// Each connection gets its own id; the hub owns all fan-out/backpressure
// decisions once Subscribe returns.
func (rt *Router) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Error("websocket upgrade failed", logger.Error(err), logger.String("remote_addr", r.RemoteAddr))
		return
	}

	id := uuid.New().String()
	sub := rt.hub.Subscribe(id)

	done := make(chan struct{})
	go rt.writePump(conn, sub, done)
	rt.readPump(conn, sub, done)
}

func (rt *Router) readPump(conn *websocket.Conn, sub *hub.Subscriber, done chan struct{}) {
	defer func() {
		rt.hub.Unsubscribe(sub)
		conn.Close()
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				rt.log.Error("websocket read error", logger.Error(err))
			}
			return
		}
		rt.hub.Handle(sub, raw)
	}
}

func (rt *Router) writePump(conn *websocket.Conn, sub *hub.Subscriber, done chan struct{}) {
	defer conn.Close()

	const pingInterval = 30 * time.Second
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				rt.log.Error("websocket write error", logger.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
