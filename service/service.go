// Package service implements the signaling protocol on top of the room
// registry and the relay: join/leave lifecycle, media flag toggles, chat
// and verbatim forwarding of offer/answer/candidate envelopes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshmeet/model"
	"meshmeet/registry"
)

const (
	maxNameLength = 50
	defaultName   = "Anonymous"

	leaveBroadcastTimeout = 2 * time.Second
	errorReplyTimeout     = time.Second
)

var ErrUnauthorized = errors.New("join is not authorized")

type (
	Registry interface {
		CreateRoom(roomID string) (string, error)
		AddParticipant(roomID, userID string, p model.Participant) (model.Participant, error)
		RemoveParticipant(roomID, userID string) bool
		UpdateParticipant(roomID, userID string, upd registry.ParticipantUpdate) (model.Participant, error)
		Participants(roomID string) []model.Participant
		Participant(roomID, userID string) (model.Participant, bool)
	}

	Relay interface {
		Connect(roomID, userID string, tx chan<- model.Envelope)
		Disconnect(roomID, userID string)
		Broadcast(ctx context.Context, roomID string, env model.Envelope)
		Send(ctx context.Context, roomID string, env model.Envelope) error
	}

	// Authorizer decides whether a join with the given token may proceed.
	// Token semantics are deployment-specific; the default allows everyone.
	Authorizer func(roomID, token string) error

	Service struct {
		registry  Registry
		relay     Relay
		authorize Authorizer
		logger    zerolog.Logger
	}

	Config struct {
		Registry   Registry
		Relay      Relay
		Authorizer Authorizer
		Logger     *zerolog.Logger
	}
)

func New(cfg Config) *Service {
	authorize := cfg.Authorizer
	if authorize == nil {
		authorize = func(string, string) error { return nil }
	}
	return &Service{
		registry:  cfg.Registry,
		relay:     cfg.Relay,
		authorize: authorize,
		logger:    cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// HandleSession runs the protocol loop for one websocket connection until
// the client leaves, the transport closes (wire.RX closed) or ctx is done.
// Cleanup is performed exactly once regardless of how the loop exits, so an
// abrupt disconnect produces the same leave sequence as an explicit leave.
func (svc *Service) HandleSession(ctx context.Context, wire model.Wire) {
	s := &session{
		svc:  svc,
		id:   uuid.NewString(),
		wire: wire,
	}
	s.logger = svc.logger.With().Str("userID", s.id).Logger()
	defer s.leave()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-wire.RX:
			if !ok {
				return
			}
			if done := s.handle(ctx, env); done {
				return
			}
		}
	}
}

type session struct {
	svc    *Service
	id     string
	roomID string
	joined bool
	left   bool
	wire   model.Wire
	logger zerolog.Logger
}

// handle processes a single inbound envelope. It reports true when the
// session should end.
func (s *session) handle(ctx context.Context, env model.Envelope) bool {
	if !s.joined && env.Type != model.KindJoin {
		s.replyError(model.ErrCodeNotJoined, "join a room first")
		return false
	}

	switch env.Type {
	case model.KindJoin:
		s.handleJoin(ctx, env)

	case model.KindOffer, model.KindAnswer, model.KindICECandidate:
		s.forward(ctx, env)

	case model.KindToggleAudio:
		s.handleToggle(ctx, env, model.KindAudioToggled, func(enabled bool) registry.ParticipantUpdate {
			return registry.ParticipantUpdate{Audio: &enabled}
		})

	case model.KindToggleVideo:
		s.handleToggle(ctx, env, model.KindVideoToggled, func(enabled bool) registry.ParticipantUpdate {
			return registry.ParticipantUpdate{Video: &enabled}
		})

	case model.KindStartScreenShare:
		s.handleScreenShare(ctx, true)

	case model.KindStopScreenShare:
		s.handleScreenShare(ctx, false)

	case model.KindChatMessage:
		s.handleChat(ctx, env)

	case model.KindLeave:
		return true

	default:
		s.replyError(model.ErrCodeProtocol, "unknown message type: "+env.Type)
	}
	return false
}

func (s *session) handleJoin(ctx context.Context, env model.Envelope) {
	if s.joined {
		s.replyError(model.ErrCodeProtocol, "already joined")
		return
	}

	var join model.JoinPayload
	if err := json.Unmarshal(env.Payload, &join); err != nil {
		s.replyError(model.ErrCodeProtocol, "malformed join payload")
		return
	}
	if join.RoomID == "" {
		s.replyError(model.ErrCodeProtocol, "room id is required")
		return
	}
	if len(join.Name) > maxNameLength {
		s.replyError(model.ErrCodeProtocol, "name is too long")
		return
	}
	if join.Name == "" {
		join.Name = defaultName
	}
	if err := s.svc.authorize(join.RoomID, join.Token); err != nil {
		s.replyError(model.ErrCodeForbidden, "join is not authorized")
		return
	}

	if _, err := s.svc.registry.CreateRoom(join.RoomID); err != nil && !errors.Is(err, registry.ErrRoomExists) {
		s.replyError(model.ErrCodeServerSide, "unable to create room")
		return
	}

	p, err := s.svc.registry.AddParticipant(join.RoomID, s.id, model.Participant{
		Name:  join.Name,
		Audio: join.Audio,
		Video: join.Video,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrRoomFull):
			s.replyError(model.ErrCodeRoomFull, "room is full")
		case errors.Is(err, registry.ErrRoomNotFound):
			s.replyError(model.ErrCodeNotFound, "room is not found")
		default:
			s.replyError(model.ErrCodeServerSide, "unable to join room")
		}
		return
	}

	s.roomID = join.RoomID
	s.joined = true
	s.logger = s.logger.With().Str("roomID", s.roomID).Logger()
	s.svc.relay.Connect(s.roomID, s.id, s.wire.TX)

	roster := make([]model.Participant, 0)
	for _, other := range s.svc.registry.Participants(s.roomID) {
		if other.ID != s.id {
			roster = append(roster, other)
		}
	}
	s.reply(model.Envelope{
		Type: model.KindRoomJoined,
		Payload: model.MustPayload(model.RoomJoinedPayload{
			RoomID:       s.roomID,
			YourID:       s.id,
			Participants: roster,
		}),
	})

	s.svc.relay.Broadcast(ctx, s.roomID, model.Envelope{
		Type: model.KindUserJoined,
		From: s.id,
		Payload: model.MustPayload(model.UserJoinedPayload{
			UserID: s.id,
			Name:   p.Name,
			Audio:  p.Audio,
			Video:  p.Video,
		}),
	})
	s.logger.Debug().Msg("user joined room")
}

// forward relays offer/answer/candidate envelopes verbatim to their
// recipient, stamping the sender. An unknown recipient is dropped, a race
// with that peer leaving is not an error.
func (s *session) forward(ctx context.Context, env model.Envelope) {
	if env.To == "" {
		s.replyError(model.ErrCodeProtocol, env.Type+" requires a recipient")
		return
	}
	env.From = s.id
	if err := s.svc.relay.Send(ctx, s.roomID, env); err != nil {
		s.logger.Debug().
			Str("type", env.Type).
			Str("to", env.To).
			Msg("dropped envelope for unknown recipient")
	}
}

func (s *session) handleToggle(
	ctx context.Context,
	env model.Envelope,
	broadcastKind string,
	update func(enabled bool) registry.ParticipantUpdate,
) {
	var toggle model.TogglePayload
	if err := json.Unmarshal(env.Payload, &toggle); err != nil {
		s.replyError(model.ErrCodeProtocol, "malformed toggle payload")
		return
	}
	if _, err := s.svc.registry.UpdateParticipant(s.roomID, s.id, update(toggle.Enabled)); err != nil {
		s.logger.Error().Err(err).Msg("failed to update participant")
		return
	}
	s.svc.relay.Broadcast(ctx, s.roomID, model.Envelope{
		Type: broadcastKind,
		From: s.id,
		Payload: model.MustPayload(model.ToggledPayload{
			UserID:  s.id,
			Enabled: toggle.Enabled,
		}),
	})
}

func (s *session) handleScreenShare(ctx context.Context, sharing bool) {
	if _, err := s.svc.registry.UpdateParticipant(s.roomID, s.id,
		registry.ParticipantUpdate{ScreenSharing: &sharing}); err != nil {
		s.logger.Error().Err(err).Msg("failed to update participant")
		return
	}
	kind := model.KindScreenShareStopped
	if sharing {
		kind = model.KindScreenShareStarted
	}
	s.svc.relay.Broadcast(ctx, s.roomID, model.Envelope{
		Type:    kind,
		From:    s.id,
		Payload: model.MustPayload(model.ScreenSharePayload{UserID: s.id}),
	})
}

func (s *session) handleChat(ctx context.Context, env model.Envelope) {
	var chat model.ChatPayload
	if err := json.Unmarshal(env.Payload, &chat); err != nil {
		s.replyError(model.ErrCodeProtocol, "malformed chat payload")
		return
	}
	if strings.TrimSpace(chat.Text) == "" {
		return
	}

	// The sender's display name is resolved from the registry here, the
	// client never carries it.
	name := defaultName
	if p, ok := s.svc.registry.Participant(s.roomID, s.id); ok {
		name = p.Name
	}
	s.svc.relay.Broadcast(ctx, s.roomID, model.Envelope{
		Type: model.KindChatMessage,
		From: s.id,
		Payload: model.MustPayload(model.ChatBroadcastPayload{
			UserID:    s.id,
			Name:      name,
			Text:      chat.Text,
			Timestamp: time.Now(),
		}),
	})
}

// leave deregisters the session and broadcasts user-left. It runs for both
// explicit leave and transport disconnect, and only the first call has any
// effect.
func (s *session) leave() {
	if s.left || !s.joined {
		s.left = true
		return
	}
	s.left = true

	ctx, cancel := context.WithTimeout(context.Background(), leaveBroadcastTimeout)
	defer cancel()

	s.svc.relay.Disconnect(s.roomID, s.id)
	s.svc.registry.RemoveParticipant(s.roomID, s.id)
	s.svc.relay.Broadcast(ctx, s.roomID, model.Envelope{
		Type:    model.KindUserLeft,
		From:    s.id,
		Payload: model.MustPayload(model.UserLeftPayload{UserID: s.id}),
	})
	s.logger.Debug().Msg("user left room")
}

func (s *session) reply(env model.Envelope) {
	select {
	case s.wire.TX <- env:
	case <-time.After(errorReplyTimeout):
		s.logger.Error().Str("type", env.Type).Msg("reply timed out")
	}
}

// replyError reports a rejected message back to the sender. The channel
// stays open, protocol errors are never fatal to the session.
func (s *session) replyError(code, message string) {
	s.logger.Debug().Str("code", code).Str("message", message).Msg("protocol error")
	s.reply(model.Envelope{
		Type:    model.KindError,
		Payload: model.MustPayload(model.ErrorPayload{Code: code, Message: message}),
	})
}
