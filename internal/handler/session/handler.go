package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	sessionsvc "github.com/HumanbiOS/HumanBios-WebSocket/internal/service/session"
	"github.com/HumanbiOS/HumanBios-WebSocket/pkg/utils"
)

const sessionCookie = "humanbios-session"

// Handler serves session bootstrap for browser clients.
type Handler struct {
	store *sessionsvc.Store
}

// New creates the bootstrap handler.
func New(store *sessionsvc.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the bootstrap endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/get_session", h.handleGetSession)
}

type bootstrapResponse struct {
	Status  int    `json:"status"`
	Session string `json:"session"`
}

// handleGetSession creates or reuses the session named by the cookie. The
// body status distinguishes the two: 201 for a fresh session, 204 for an
// existing one. The cookie is set either way; cross-origin front-ends
// recreate it themselves from the body.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	var id string
	if c, err := r.Cookie(sessionCookie); err == nil {
		id = c.Value
	}

	status := http.StatusNoContent
	sess, err := h.store.Get(id)
	if id == "" || err != nil {
		sess, _ = h.store.GetOrCreate("")
		status = http.StatusCreated
		log.Info().Str("session", sess.ID).Msg("session created")
	}

	http.SetCookie(w, &http.Cookie{
		Name:  sessionCookie,
		Value: sess.ID,
		Path:  "/",
	})
	utils.RespondJSON(w, http.StatusOK, bootstrapResponse{
		Status:  status,
		Session: sess.ID,
	})
}
