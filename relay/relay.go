// Package relay routes signaling envelopes between participants of a room.
// It resolves recipients and nothing else; payload semantics live in the
// service layer.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meshmeet/model"
)

const defaultFwdTimeout = time.Second

var ErrNotConnected = errors.New("endpoint is not connected")

type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[string]chan<- model.Envelope
}

func New(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[string]chan<- model.Envelope),
	}
}

// Connect registers userID's outbound wire in roomID.
func (r *Relay) Connect(roomID, userID string, tx chan<- model.Envelope) {
	r.mx.Lock()
	defer func() {
		r.mx.Unlock()
		r.logger.Debug().
			Str("roomID", roomID).
			Str("userID", userID).
			Msg("endpoint connected")
	}()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = make(map[string]chan<- model.Envelope)
		r.rooms[roomID] = rm
	}
	rm[userID] = tx
}

// Disconnect is idempotent, unknown endpoints are ignored.
func (r *Relay) Disconnect(roomID, userID string) {
	r.mx.Lock()
	defer func() {
		r.mx.Unlock()
		r.logger.Debug().
			Str("roomID", roomID).
			Str("userID", userID).
			Msg("endpoint disconnected")
	}()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm, userID)
	if len(rm) == 0 {
		delete(r.rooms, roomID)
	}
}

// Broadcast forwards env to every endpoint in the room except env.From.
func (r *Relay) Broadcast(ctx context.Context, roomID string, env model.Envelope) {
	env.To = "" // broadcast envelopes never carry a recipient
	if !r.forward(ctx, roomID, env) {
		r.logger.Debug().
			Str("roomID", roomID).
			Str("type", env.Type).
			Str("from", env.From).
			Msg("broadcast did not reach anyone")
	}
}

// Send forwards env to env.To only. An unknown recipient is reported with
// ErrNotConnected so the service can decide between dropping and replying.
func (r *Relay) Send(ctx context.Context, roomID string, env model.Envelope) error {
	if !r.forward(ctx, roomID, env) {
		return ErrNotConnected
	}
	return nil
}

func (r *Relay) forward(ctx context.Context, roomID string, env model.Envelope) bool {
	var (
		sent   bool
		logger = r.logger.With().
			Str("roomID", roomID).
			Str("type", env.Type).
			Str("from", env.From).Logger()
	)

	// recipients are snapshotted under the lock; the sends happen outside
	// it so a slow endpoint never stalls joins and leaves, and membership
	// changes never race the delivery loop
	r.mx.RLock()
	rm := r.rooms[roomID]
	recipients := make([]chan<- model.Envelope, 0, len(rm))
	if env.To == "" {
		for dst, tx := range rm {
			if dst == env.From {
				continue
			}
			recipients = append(recipients, tx)
		}
	} else if tx, ok := rm[env.To]; ok {
		recipients = append(recipients, tx)
	}
	r.mx.RUnlock()

	if env.To != "" && len(recipients) == 0 {
		logger.Debug().Str("to", env.To).Msg("cannot forward, recipient not found")
		return false
	}
	for _, tx := range recipients {
		envSent, canceled := send(ctx, env, tx, &logger)
		if canceled {
			break
		}
		if envSent {
			sent = true
		}
	}
	return sent
}

func send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("to", env.To).Msg("dead endpoint")
	case tx <- env:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
