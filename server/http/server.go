// Package http is the administrative surface: room listing, creation,
// deletion and stats, plus health/status endpoints. It only ever calls
// into the room registry contract.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshmeet/model"
	"meshmeet/registry"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	serverVersion = "1.0.0"
)

var ErrUnexpected = errors.New("unexpected server error")

type RoomAdmin interface {
	Rooms() []model.RoomInfo
	Stats(roomID string) (model.RoomStats, error)
	CreateRoom(roomID string) (string, error)
	DeleteRoom(roomID string) bool
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type CreateRoomRequest struct {
	RoomID string `json:"room_id"`
}

type Server struct {
	logger  zerolog.Logger
	admin   RoomAdmin
	limiter *rateLimiter
	started time.Time
	*http.Server
}

type Config struct {
	Logger               *zerolog.Logger
	RoomAdmin            RoomAdmin
	ListenAddr           string
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		admin:   cfg.RoomAdmin,
		limiter: newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests),
		started: time.Now(),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /api/status", srv.limited(srv.status))
	r.HandleFunc("GET /api/rooms", srv.limited(srv.listRooms))
	r.HandleFunc("GET /api/rooms/{roomID}", srv.limited(srv.roomStats))
	r.HandleFunc("POST /api/rooms", srv.limited(srv.createRoom))
	r.HandleFunc("DELETE /api/rooms/{roomID}", srv.limited(srv.deleteRoom))
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

// limited wraps a handler with fixed-window per-IP rate limiting.
func (srv *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !srv.limiter.allow(ip) {
			srv.writeJSON(w, http.StatusTooManyRequests,
				&GenericResponse{Error: "too many requests, please try again later"})
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next(w, r)
	}
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(srv.started).Seconds(),
	})
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "online",
		"version": serverVersion,
	})
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, map[string]any{"rooms": srv.admin.Rooms()})
}

func (srv *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.admin.Stats(r.PathValue("roomID"))
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room is not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var (
		body []byte
		req  CreateRoomRequest
	)
	body, _ = io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "malformed request body"})
			return
		}
	}

	roomID, err := srv.admin.CreateRoom(req.RoomID)
	if err != nil {
		if errors.Is(err, registry.ErrRoomExists) {
			srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: "room already exists"})
			return
		}
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusCreated, &CreateRoomRequest{RoomID: roomID})
}

func (srv *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if !srv.admin.DeleteRoom(r.PathValue("roomID")) {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room is not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "room deleted"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// rateLimiter is a fixed-window per-IP counter. Windows are pruned lazily
// on access.
type rateLimiter struct {
	mx     sync.Mutex
	window time.Duration
	max    int
	seen   map[string]*windowCount
}

type windowCount struct {
	start time.Time
	count int
}

func newRateLimiter(window time.Duration, maxRequests int) *rateLimiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 100
	}
	return &rateLimiter{
		window: window,
		max:    maxRequests,
		seen:   make(map[string]*windowCount),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mx.Lock()
	defer rl.mx.Unlock()

	now := time.Now()
	wc, ok := rl.seen[ip]
	if !ok || now.Sub(wc.start) >= rl.window {
		rl.seen[ip] = &windowCount{start: now, count: 1}
		return true
	}
	wc.count++
	return wc.count <= rl.max
}
