package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshmeet/model"
	"meshmeet/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(registry.Config{Logger: &logger, MaxParticipants: 4})
	srv := NewServer(Config{
		Logger:               &logger,
		RoomAdmin:            reg,
		ListenAddr:           ":0",
		RateLimitWindow:      time.Minute,
		RateLimitMaxRequests: 100,
	})
	return srv, reg
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.RemoteAddr = "198.51.100.7:1234"
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	return w
}

func TestCreateAndListRooms(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/rooms", `{"room_id":"abc123"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got status %d, body %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodPost, "/api/rooms", `{"room_id":"abc123"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: got status %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/rooms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: got status %d", w.Code)
	}
	var listing struct {
		Rooms []model.RoomInfo `json:"rooms"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Rooms) != 1 || listing.Rooms[0].ID != "abc123" {
		t.Errorf("unexpected listing: %+v", listing)
	}
}

func TestRoomStats(t *testing.T) {
	srv, reg := newTestServer(t)
	_, _ = reg.CreateRoom("abc123")
	_, _ = reg.AddParticipant("abc123", "u1", model.Participant{Name: "alice"})

	w := doRequest(t, srv, http.MethodGet, "/api/rooms/abc123", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats: got status %d", w.Code)
	}
	var stats model.RoomStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ParticipantCount != 1 || stats.MaxParticipants != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/rooms/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing room: got status %d", w.Code)
	}
}

func TestDeleteRoom(t *testing.T) {
	srv, reg := newTestServer(t)
	_, _ = reg.CreateRoom("abc123")

	w := doRequest(t, srv, http.MethodDelete, "/api/rooms/abc123", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got status %d", w.Code)
	}
	w = doRequest(t, srv, http.MethodDelete, "/api/rooms/abc123", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: got status %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health: got status %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(time.Minute, 3)
	for i := 0; i < 3; i++ {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d denied within limit", i)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Error("request over limit allowed")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other ip affected by limit")
	}
}
