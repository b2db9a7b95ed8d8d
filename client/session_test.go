package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshmeet/model"
	"meshmeet/registry"
	"meshmeet/relay"
	wsserver "meshmeet/server/websocket"
	"meshmeet/service"
)

// newSignalingTestServer runs the real signaling stack (registry, relay,
// service, websocket transport) on an httptest listener.
func newSignalingTestServer(t *testing.T, maxParticipants int) string {
	t.Helper()
	logger := zerolog.Nop()

	reg := registry.New(registry.Config{
		Logger:          &logger,
		MaxParticipants: maxParticipants,
	})
	svc := service.New(service.Config{
		Registry: reg,
		Relay:    relay.New(&logger),
		Logger:   &logger,
	})
	srv := wsserver.NewServer(wsserver.Config{
		Logger:           &logger,
		SignalingService: svc,
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

type sessionHarness struct {
	session *Session
	chats   chan model.ChatBroadcastPayload

	mu    sync.Mutex
	conns []*fakeMediaConn
}

func newSessionHarness(serverURL, room, name string) *sessionHarness {
	h := &sessionHarness{chats: make(chan model.ChatBroadcastPayload, 8)}
	logger := zerolog.Nop()
	h.session = NewSession(SessionConfig{
		ServerURL: serverURL,
		RoomID:    room,
		Name:      name,
		Audio:     true,
		Video:     true,
		Capturer:  &fakeCapturer{},
		NewConn: func() (MediaConn, error) {
			conn := &fakeMediaConn{}
			h.mu.Lock()
			h.conns = append(h.conns, conn)
			h.mu.Unlock()
			return conn, nil
		},
		OnChat: func(msg model.ChatBroadcastPayload) { h.chats <- msg },
		Logger: &logger,
	})
	return h
}

func (h *sessionHarness) conn(i int) *fakeMediaConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.conns) {
		return nil
	}
	return h.conns[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-tick.C:
		}
	}
}

func TestTwoParticipantMeeting(t *testing.T) {
	url := newSignalingTestServer(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newSessionHarness(url, "standup", "alice")
	if err := alice.session.Join(ctx); err != nil {
		t.Fatalf("alice failed to join: %v", err)
	}
	defer alice.session.Leave()
	go func() { _ = alice.session.Run(ctx) }()

	bob := newSessionHarness(url, "standup", "bob")
	if err := bob.session.Join(ctx); err != nil {
		t.Fatalf("bob failed to join: %v", err)
	}
	defer bob.session.Leave()

	// the newcomer sees the existing participant in the initial roster
	roster := bob.session.Roster()
	if len(roster) != 1 || roster[0].Name != "alice" {
		t.Fatalf("unexpected roster for bob: %+v", roster)
	}
	go func() { _ = bob.session.Run(ctx) }()

	waitFor(t, func() bool {
		r := alice.session.Roster()
		return len(r) == 1 && r[0].Name == "bob"
	}, "alice never learned about bob")

	// the existing participant is the offerer toward the newcomer
	waitFor(t, func() bool {
		c := alice.conn(0)
		return c != nil && c.count("create-offer") >= 1
	}, "alice never offered to bob")
	waitFor(t, func() bool {
		c := bob.conn(0)
		return c != nil && c.count("create-answer") >= 1
	}, "bob never answered the offer")
	waitFor(t, func() bool {
		return alice.conn(0).count("set-answer") >= 1
	}, "alice never applied bob's answer")

	// chat reaches the other side with the sender's name, never the sender
	if err := bob.session.SendChat("hello"); err != nil {
		t.Fatalf("failed to send chat: %v", err)
	}
	select {
	case msg := <-alice.chats:
		if msg.Name != "bob" || msg.Text != "hello" {
			t.Fatalf("unexpected chat: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("alice never received the chat message")
	}
	select {
	case msg := <-bob.chats:
		t.Fatalf("chat must not echo to its sender, got: %+v", msg)
	default:
	}

	// a video toggle propagates into the remote roster
	if err := alice.session.ToggleVideo(ctx, false); err != nil {
		t.Fatalf("failed to toggle video: %v", err)
	}
	waitFor(t, func() bool {
		r := bob.session.Roster()
		return len(r) == 1 && !r[0].Video
	}, "bob never saw alice's video toggle")

	// leaving tears down the counterpart's peer session
	bob.session.Leave()
	waitFor(t, func() bool {
		return len(alice.session.Roster()) == 0
	}, "alice never saw bob leave")
	waitFor(t, func() bool {
		return alice.conn(0).isClosed()
	}, "alice's peer session toward bob was never closed")
}

func TestJoinRejectedWhenRoomFull(t *testing.T) {
	url := newSignalingTestServer(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newSessionHarness(url, "crowded", "first")
	if err := first.session.Join(ctx); err != nil {
		t.Fatalf("first participant failed to join: %v", err)
	}
	defer first.session.Leave()

	second := newSessionHarness(url, "crowded", "second")
	err := second.session.Join(ctx)
	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("expected ErrJoinRejected, got %v", err)
	}

	// the rejected session must leave no running pumps behind
	if err = second.session.SendChat("anyone there"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected the signaling client to be closed after a rejected join, got %v", err)
	}
}

func TestJoinAbortsOnMediaFailure(t *testing.T) {
	url := newSignalingTestServer(t, 10)

	capturer := &fakeCapturer{camErr: errors.New("camera unavailable")}
	logger := zerolog.Nop()
	session := NewSession(SessionConfig{
		ServerURL: url,
		RoomID:    "no-camera",
		Name:      "ghost",
		Audio:     true,
		Video:     true,
		Capturer:  capturer,
		NewConn:   func() (MediaConn, error) { return &fakeMediaConn{}, nil },
		Logger:    &logger,
	})

	err := session.Join(context.Background())
	var acquireErr *AcquireError
	if !errors.As(err, &acquireErr) {
		t.Fatalf("expected an acquire error, got %v", err)
	}
	// nothing was joined, the microphone must have been released
	if len(capturer.acquired) != 1 || !capturer.acquired[0].Closed() {
		t.Fatal("expected the microphone to be released after the aborted join")
	}
}
