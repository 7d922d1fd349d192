package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/backend"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/session"
)

type fakeForwarder struct {
	mu   sync.Mutex
	envs []chat.Envelope
	err  error
	ch   chan chat.Envelope
}

func newFakeForwarder(err error) *fakeForwarder {
	return &fakeForwarder{err: err, ch: make(chan chat.Envelope, 16)}
}

func (f *fakeForwarder) Forward(_ context.Context, env chat.Envelope) error {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	f.ch <- env
	return f.err
}

func (f *fakeForwarder) await(t *testing.T) chat.Envelope {
	t.Helper()
	select {
	case env := <-f.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded envelope")
		return chat.Envelope{}
	}
}

type fakeConn struct {
	mu     sync.Mutex
	frames []interface{}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) sent() []chat.OutboundFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.OutboundFrame, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.(chat.OutboundFrame))
	}
	return out
}

func (c *fakeConn) awaitFrames(t *testing.T, n int) []chat.OutboundFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := c.sent(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(c.sent()))
	return nil
}

func setup(forwardErr error) (*Relay, *session.Store, *fakeForwarder) {
	store := session.NewStore()
	fwd := newFakeForwarder(forwardErr)
	r := New(store, fwd, backend.Identity{Token: "tok-1", Name: "instance-1"})
	return r, store, fwd
}

func boundSession(store *session.Store, id, name string) (*session.Session, *fakeConn) {
	sess, _ := store.GetOrCreate(id)
	conn := &fakeConn{}
	sess.Bind(conn, name)
	return sess, conn
}

func TestNewMessageEchoAndForward(t *testing.T) {
	r, store, fwd := setup(nil)
	sess, _ := boundSession(store, "sess-1", "Alice")

	r.HandleNewMessage(context.Background(), sess, "hello")

	env := fwd.await(t)
	if env.Message.Text != "hello" {
		t.Fatalf("forwarded text %q", env.Message.Text)
	}
	if env.User.FirstName != "Alice" || env.User.UserID != "sess-1" {
		t.Fatalf("unexpected sender identity: %+v", env.User)
	}
	if env.Chat.ChatID != "sess-1" {
		t.Fatalf("unexpected chat id %q", env.Chat.ChatID)
	}
	if env.ServiceIn != ServiceTag {
		t.Fatalf("unexpected service tag %q", env.ServiceIn)
	}
	if env.SecurityToken != "tok-1" || env.ViaInstance != "instance-1" {
		t.Fatalf("envelope missing instance identity: %+v", env)
	}
	if !env.HasMessage {
		t.Fatal("has_message not set")
	}

	transcript := sess.Transcript()
	if len(transcript) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(transcript))
	}
	echo := transcript[0]
	if echo.User.FirstName != LocalEchoName {
		t.Fatalf("echo sender %q, want %q", echo.User.FirstName, LocalEchoName)
	}
	if echo.Buttons != nil || echo.HasFile || echo.File != nil {
		t.Fatalf("echo carries unexpected attachments: %+v", echo)
	}
}

func TestStartWithEmptyHistorySendsStartCommand(t *testing.T) {
	r, store, fwd := setup(nil)
	sess, conn := boundSession(store, "sess-1", "Alice")

	if err := r.HandleStart(context.Background(), sess); err != nil {
		t.Fatalf("HandleStart err: %v", err)
	}

	env := fwd.await(t)
	if env.Message.Text != "/start" {
		t.Fatalf("expected /start command, got %q", env.Message.Text)
	}
	if len(conn.sent()) != 0 {
		t.Fatalf("expected no replayed frames, got %d", len(conn.sent()))
	}
	if sess.HistoryLen() != 0 {
		t.Fatal("start synthesis must not be recorded")
	}
}

func TestStartReplaysHistoryInOrder(t *testing.T) {
	r, store, fwd := setup(nil)
	sess, conn := boundSession(store, "sess-1", "Alice")

	for _, text := range []string{"a", "b", "c"} {
		r.HandleNewMessage(context.Background(), sess, text)
		fwd.await(t)
	}

	if err := r.HandleStart(context.Background(), sess); err != nil {
		t.Fatalf("HandleStart err: %v", err)
	}

	frames := conn.sent()
	if len(frames) != 3 {
		t.Fatalf("expected 3 replayed frames, got %d", len(frames))
	}
	for i, want := range []string{"a", "b", "c"} {
		if frames[i].Event != chat.EventNewMessage {
			t.Fatalf("frame %d tagged %q", i, frames[i].Event)
		}
		if frames[i].Message.Message.Text != want {
			t.Fatalf("frame %d text %q, want %q", i, frames[i].Message.Message.Text, want)
		}
		if frames[i].User.FirstName != LocalEchoName {
			t.Fatalf("frame %d sender %q", i, frames[i].User.FirstName)
		}
	}

	select {
	case env := <-fwd.ch:
		t.Fatalf("replay must not forward, got envelope %+v", env)
	default:
	}
}

func TestReplayStripsButtonsExceptNewest(t *testing.T) {
	r, store, _ := setup(nil)
	sess, _ := boundSession(store, "sess-1", "")

	buttons := []chat.Button{{Text: "Yes", Payload: "https://example.org/yes"}}
	for i := 0; i < 3; i++ {
		cb := chat.Callback{
			User:    chat.Sender{FirstName: "Peer", UserID: "peer-1"},
			Chat:    chat.ChatRef{ChatID: "sess-1"},
			Message: chat.Text{Text: fmt.Sprintf("m%d", i)},
			Buttons: buttons,
		}
		if err := r.DeliverCallback(cb); err != nil {
			t.Fatalf("DeliverCallback err: %v", err)
		}
	}
	// A reconnect: the old frames are gone, replay onto a fresh channel.
	fresh := &fakeConn{}
	sess.Bind(fresh, "")

	if err := r.HandleStart(context.Background(), sess); err != nil {
		t.Fatalf("HandleStart err: %v", err)
	}

	frames := fresh.sent()
	if len(frames) != 3 {
		t.Fatalf("expected 3 replayed frames, got %d", len(frames))
	}
	if frames[0].Buttons != nil || frames[1].Buttons != nil {
		t.Fatal("older replayed entries must not carry buttons")
	}
	if len(frames[2].Buttons) != 1 {
		t.Fatal("newest replayed entry lost its buttons")
	}

	// The stored entries keep their buttons for the next replay.
	transcript := sess.Transcript()
	for i, msg := range transcript {
		if len(msg.Buttons) != 1 {
			t.Fatalf("replay mutated stored entry %d", i)
		}
	}
}

func TestCallbackSubstitutesDefaultBotName(t *testing.T) {
	r, store, _ := setup(nil)
	_, conn := boundSession(store, "sess-1", "")

	cb := chat.Callback{
		User:    chat.Sender{FirstName: "ignored", UserID: "sess-1"},
		Chat:    chat.ChatRef{ChatID: "sess-1"},
		Message: chat.Text{Text: "hi"},
	}
	if err := r.DeliverCallback(cb); err != nil {
		t.Fatalf("DeliverCallback err: %v", err)
	}

	frames := conn.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 pushed frame, got %d", len(frames))
	}
	if frames[0].User.FirstName != DefaultBotName {
		t.Fatalf("sender %q, want %q", frames[0].User.FirstName, DefaultBotName)
	}
}

func TestCallbackKeepsDistinctPeerName(t *testing.T) {
	r, store, _ := setup(nil)
	_, conn := boundSession(store, "sess-1", "")

	cb := chat.Callback{
		User:    chat.Sender{FirstName: "Dr. Jones", UserID: "peer-9"},
		Chat:    chat.ChatRef{ChatID: "sess-1"},
		Message: chat.Text{Text: "how are you"},
	}
	if err := r.DeliverCallback(cb); err != nil {
		t.Fatalf("DeliverCallback err: %v", err)
	}

	frames := conn.sent()
	if frames[0].User.FirstName != "Dr. Jones" {
		t.Fatalf("sender %q, want the peer's own name", frames[0].User.FirstName)
	}
}

func TestCallbackUnknownSession(t *testing.T) {
	r, _, _ := setup(nil)

	cb := chat.Callback{Chat: chat.ChatRef{ChatID: "nope"}, Message: chat.Text{Text: "x"}}
	if err := r.DeliverCallback(cb); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCallbackWithoutChannelStillRecorded(t *testing.T) {
	r, store, _ := setup(nil)
	sess, _ := store.GetOrCreate("sess-1")

	cb := chat.Callback{
		User:    chat.Sender{FirstName: "Peer", UserID: "peer-1"},
		Chat:    chat.ChatRef{ChatID: "sess-1"},
		Message: chat.Text{Text: "missed you"},
	}
	if err := r.DeliverCallback(cb); err != nil {
		t.Fatalf("no-channel delivery must not error: %v", err)
	}
	if sess.HistoryLen() != 1 {
		t.Fatal("message was not recorded for a future replay")
	}
}

func TestSixteenCallbacksCapHistory(t *testing.T) {
	r, store, _ := setup(nil)
	sess, _ := boundSession(store, "sess-1", "")

	for i := 0; i < 16; i++ {
		cb := chat.Callback{
			User:    chat.Sender{FirstName: "Peer", UserID: "peer-1"},
			Chat:    chat.ChatRef{ChatID: "sess-1"},
			Message: chat.Text{Text: fmt.Sprintf("m%d", i)},
		}
		if err := r.DeliverCallback(cb); err != nil {
			t.Fatalf("DeliverCallback %d err: %v", i, err)
		}
	}

	transcript := sess.Transcript()
	if len(transcript) != session.MaxHistory {
		t.Fatalf("expected %d entries, got %d", session.MaxHistory, len(transcript))
	}
	if transcript[0].Message.Text != "m1" {
		t.Fatalf("oldest of the 16 should be evicted, head is %q", transcript[0].Message.Text)
	}
	if transcript[len(transcript)-1].Message.Text != "m15" {
		t.Fatalf("newest entry is %q", transcript[len(transcript)-1].Message.Text)
	}
}

func TestForwardFailureSurfacesErrorFrame(t *testing.T) {
	r, store, fwd := setup(errors.New("backend unreachable"))
	sess, conn := boundSession(store, "sess-1", "Alice")

	r.HandleNewMessage(context.Background(), sess, "hello")
	fwd.await(t)

	frames := conn.awaitFrames(t, 1)
	if frames[0].Event != chat.EventError {
		t.Fatalf("expected error frame, got %q", frames[0].Event)
	}
}

func TestConcurrentInboundAndCallbacks(t *testing.T) {
	r, store, fwd := setup(nil)
	sess, _ := boundSession(store, "sess-1", "Alice")

	go func() {
		for range fwd.ch {
		}
	}()

	const perSide = 40
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perSide; i++ {
			r.HandleNewMessage(context.Background(), sess, fmt.Sprintf("user-%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perSide; i++ {
			cb := chat.Callback{
				User:    chat.Sender{FirstName: "Peer", UserID: "peer-1"},
				Chat:    chat.ChatRef{ChatID: "sess-1"},
				Message: chat.Text{Text: fmt.Sprintf("bot-%d", i)},
			}
			_ = r.DeliverCallback(cb)
		}
	}()
	wg.Wait()

	if got := sess.HistoryLen(); got != session.MaxHistory {
		t.Fatalf("history length %d, want %d", got, session.MaxHistory)
	}
}
