package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/relay"
	sessionsvc "github.com/HumanbiOS/HumanBios-WebSocket/internal/service/session"
)

const (
	sessionCookie = "humanbios-session"
	nameCookie    = "humanbios-name"

	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler serves the duplex message channel.
type Handler struct {
	relay    *relay.Relay
	upgrader websocket.Upgrader
}

// New creates the websocket handler.
func New(r *relay.Relay) *Handler {
	return &Handler{
		relay: r,
		upgrader: websocket.Upgrader{
			// Cross-origin policy is enforced by the CORS layer; the
			// upgrade itself accepts any origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the duplex channel endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages", h.handleMessages)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// handleMessages upgrades the connection and runs the per-connection event
// loop. A connection arriving with a known session cookie is bound
// immediately; otherwise it stays unbound until a start event supplies a
// session id inline.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := cookieValue(r, sessionCookie)
	name := cookieValue(r, nameCookie)

	var sess *sessionsvc.Session
	if sessionID != "" {
		found, err := h.relay.Store().Get(sessionID)
		if err != nil {
			log.Warn().Str("session", sessionID).Msg("cookie references unknown session, connection stays unbound")
		} else {
			sess = found
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() {
		if sess != nil {
			sess.Unbind(conn)
		}
		conn.Close()
	}()

	if sess != nil {
		sess.Bind(conn, name)
	}

	log.Info().Str("session", sessionID).Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go pingLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame chat.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(sess, conn, "malformed frame")
			continue
		}

		switch frame.Event {
		case chat.EventNewMessage:
			if sess == nil {
				h.sendError(sess, conn, "no session bound")
				continue
			}
			if frame.Message == nil || frame.Message.Text == "" {
				h.sendError(sess, conn, "message text is required")
				continue
			}
			h.relay.HandleNewMessage(ctx, sess, frame.Message.Text)
		case chat.EventStart:
			if sess == nil {
				if frame.Session == "" {
					h.sendError(sess, conn, "session id is required")
					continue
				}
				created, isNew := h.relay.Store().GetOrCreate(frame.Session)
				sess = created
				if isNew {
					log.Info().Str("session", sess.ID).Msg("session created from start event")
				}
			}
			sess.Bind(conn, name)
			if err := h.relay.HandleStart(ctx, sess); err != nil {
				log.Warn().Err(err).Str("session", sess.ID).Msg("start handling failed")
			}
		default:
			h.sendError(sess, conn, "unsupported event: "+frame.Event)
		}
	}
}

// sendError pushes an error frame, keeping the connection alive. Writes go
// through the session once one is bound, so they serialize with callback
// deliveries targeting the same connection.
func (h *Handler) sendError(sess *sessionsvc.Session, conn *websocket.Conn, message string) {
	frame := chat.OutboundFrame{
		Event:   chat.EventError,
		Message: chat.Message{Message: chat.Text{Text: message}},
	}
	var err error
	if sess != nil {
		err = sess.Send(frame)
	} else {
		err = conn.WriteJSON(frame)
	}
	if err != nil {
		log.Debug().Err(err).Msg("write error frame failed")
	}
}

// pingLoop keeps the connection alive through idle proxies. WriteControl is
// safe alongside the session-serialized data writes.
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
