package relay

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/backend"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/session"
)

const (
	// LocalEchoName labels the user's own messages in history and replay.
	LocalEchoName = "You"
	// DefaultBotName replaces the sender name when the automated side is
	// speaking rather than a distinct human peer.
	DefaultBotName = "HumanBios"
	// ServiceTag is the origin-channel tag on every forwarded envelope.
	ServiceTag = "webchat"

	startCommand = "/start"
)

// Forwarder submits envelopes to the backend. *backend.Client satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, env chat.Envelope) error
}

// Relay translates between client events and backend requests/callbacks and
// owns the reconnect replay protocol. It is only constructible with a
// populated instance identity, so nothing is forwarded before registration.
type Relay struct {
	store    *session.Store
	backend  Forwarder
	identity backend.Identity
}

// New wires the relay to the session store and the registered backend client.
func New(store *session.Store, fwd Forwarder, identity backend.Identity) *Relay {
	return &Relay{
		store:    store,
		backend:  fwd,
		identity: identity,
	}
}

// Store exposes the session store for the HTTP surfaces.
func (r *Relay) Store() *session.Store {
	return r.store
}

// HandleNewMessage processes a client-authored text: echo it into history
// under the fixed local label, then forward it to the backend off the
// caller's read loop.
func (r *Relay) HandleNewMessage(ctx context.Context, sess *session.Session, text string) {
	sess.Record(chat.Message{
		User:    chat.Sender{FirstName: LocalEchoName},
		Message: chat.Text{Text: text},
		HasFile: false,
	})
	r.forward(ctx, sess, text)
}

// HandleStart runs the reconnect protocol: replay the buffered history when
// there is one, otherwise trigger the conversation with a single synthesized
// /start command. Replay is read-only and atomic with respect to concurrent
// deliveries on the same session.
func (r *Relay) HandleStart(ctx context.Context, sess *session.Session) error {
	sent, err := sess.Replay(func(msg chat.Message, last bool) interface{} {
		if !last {
			msg = msg.WithoutButtons()
		}
		return chat.OutboundFrame{Event: chat.EventNewMessage, Message: msg}
	})
	if err != nil {
		return errors.Wrap(err, "replay history")
	}
	if sent > 0 {
		log.Debug().Str("session", sess.ID).Int("messages", sent).Msg("replayed history")
		return nil
	}
	r.forward(ctx, sess, startCommand)
	return nil
}

// DeliverCallback processes a backend-originated message: resolve the
// effective display name, record the rendered message, and push it to the
// bound connection. A session with no live channel keeps the message in
// history for a future replay.
func (r *Relay) DeliverCallback(cb chat.Callback) error {
	sess, err := r.store.Get(cb.Chat.ChatID)
	if err != nil {
		return err
	}

	name := cb.User.FirstName
	if cb.User.UserID == cb.Chat.ChatID {
		name = DefaultBotName
	}

	msg := chat.Message{
		User:    chat.Sender{FirstName: name},
		Message: cb.Message,
		Buttons: cb.Buttons,
		HasFile: cb.HasFile,
		File:    cb.File,
	}
	frame := chat.OutboundFrame{Event: chat.EventNewMessage, Message: msg}

	if err := sess.Deliver(msg, frame); err != nil {
		if errors.Is(err, session.ErrNoActiveChannel) {
			log.Warn().Str("session", sess.ID).Msg("callback for session without live channel, recorded for replay")
			return nil
		}
		log.Warn().Err(err).Str("session", sess.ID).Msg("push to client failed, recorded for replay")
		return nil
	}
	return nil
}

// forward builds the backend envelope and submits it from a supervised
// goroutine so the connection's read loop never blocks on backend I/O. A
// forward that exhausts its retry budget surfaces a delivery-failure frame
// to the client instead of being silently dropped.
func (r *Relay) forward(ctx context.Context, sess *session.Session, text string) {
	env := chat.Envelope{
		User:          chat.Sender{FirstName: sess.Name(), UserID: sess.ID},
		Chat:          chat.ChatRef{ChatID: sess.ID},
		ServiceIn:     ServiceTag,
		SecurityToken: r.identity.Token,
		ViaInstance:   r.identity.Name,
		HasMessage:    true,
		Message:       chat.Text{Text: text},
	}

	go func() {
		// Detached from the connection's request context: a page reload
		// must not cancel an in-flight forward.
		if err := r.backend.Forward(context.WithoutCancel(ctx), env); err != nil {
			log.Error().Err(err).Str("session", sess.ID).Msg("backend forward failed")
			frame := chat.OutboundFrame{
				Event: chat.EventError,
				Message: chat.Message{
					Message: chat.Text{Text: "message could not be delivered"},
				},
			}
			if sendErr := sess.Send(frame); sendErr != nil {
				log.Debug().Err(sendErr).Str("session", sess.ID).Msg("could not notify client of delivery failure")
			}
		}
	}()
}
