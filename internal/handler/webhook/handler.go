package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/relay"
	sessionsvc "github.com/HumanbiOS/HumanBios-WebSocket/internal/service/session"
	"github.com/HumanbiOS/HumanBios-WebSocket/pkg/utils"
)

// started anchors the monotonic timestamps reported on callback acks.
var started = time.Now()

// Handler receives backend callbacks and hands them to the relay.
type Handler struct {
	relay *relay.Relay
}

// New creates the callback ingress handler.
func New(r *relay.Relay) *Handler {
	return &Handler{relay: r}
}

// RegisterRoutes mounts the callback endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/out", h.handleCallback)
}

type ack struct {
	Status    int     `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

// handleCallback delivers one backend message to its session. A session
// without a live connection still acks: the message is recorded for replay.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb chat.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cb.Chat.ChatID == "" {
		utils.RespondError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	if err := h.relay.DeliverCallback(cb); err != nil {
		if errors.Is(err, sessionsvc.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "delivery failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, ack{
		Status:    http.StatusOK,
		Timestamp: time.Since(started).Seconds(),
	})
}
