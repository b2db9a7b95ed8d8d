package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"meshmeet/model"
)

var (
	ErrJoinRejected = errors.New("join was rejected by the server")
	ErrDisconnected = errors.New("signaling channel closed")
)

// SessionConfig configures a meeting session.
type SessionConfig struct {
	ServerURL string
	RoomID    string
	Name      string
	Token     string
	Audio     bool
	Video     bool

	Capturer   Capturer
	ICEServers []string

	// NewConn overrides media connection construction, used by tests.
	// Defaults to NewPeerConnection with the configured ICE servers.
	NewConn func() (MediaConn, error)

	OnChat        func(msg model.ChatBroadcastPayload)
	OnRoster      func(roster []model.Participant)
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote)

	Logger *zerolog.Logger
}

// Session is one participant's view of a meeting: the signaling channel,
// the roster, one peer session per remote participant and the local media
// publisher. Events for different peers are dispatched independently;
// events for the same peer serialize through that peer's state machine.
type Session struct {
	cfg     SessionConfig
	client  *Client
	pub     *Publisher
	newConn func() (MediaConn, error)
	logger  zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*Peer
	roster []model.Participant
	selfID string

	leaveOnce sync.Once
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		cfg:    cfg,
		client: NewClient(cfg.Logger),
		peers:  make(map[string]*Peer),
		logger: cfg.Logger.With().Str("component", "session").Logger(),
	}
	s.newConn = cfg.NewConn
	if s.newConn == nil {
		s.newConn = func() (MediaConn, error) {
			return NewPeerConnection(cfg.ICEServers)
		}
	}
	s.pub = NewPublisher(PublisherConfig{
		Capturer: cfg.Capturer,
		Targets:  s.trackTargets,
		OnScreenStopped: func() {
			s.sendSimple(model.KindStopScreenShare)
		},
		Logger: cfg.Logger,
	})
	return s
}

// Publisher exposes the local media publisher, e.g. for consumers that
// record or render the published stream.
func (s *Session) Publisher() *Publisher {
	return s.pub
}

func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Session) Roster() []model.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Participant, len(s.roster))
	copy(out, s.roster)
	return out
}

// Join acquires local media, connects to the server and joins the room.
// A media acquisition failure aborts the join entirely; no half-joined
// state is left behind. For its initial roster the session acts purely as
// answerer: peer sessions are created but no offers are sent, the existing
// participants offer toward us.
func (s *Session) Join(ctx context.Context) error {
	if err := s.pub.Start(ctx, s.cfg.Audio, s.cfg.Video); err != nil {
		return err
	}
	if err := s.client.Dial(ctx, s.cfg.ServerURL); err != nil {
		s.pub.Close()
		return err
	}

	err := s.client.Send(model.Envelope{
		Type: model.KindJoin,
		Payload: model.MustPayload(model.JoinPayload{
			RoomID: s.cfg.RoomID,
			Name:   s.cfg.Name,
			Audio:  s.cfg.Audio,
			Video:  s.cfg.Video,
			Token:  s.cfg.Token,
		}),
	})
	if err != nil {
		s.abortJoin()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.Leave()
			return ctx.Err()
		case env, ok := <-s.client.Incoming():
			if !ok {
				s.abortJoin()
				return ErrDisconnected
			}
			switch env.Type {
			case model.KindRoomJoined:
				return s.handleRoomJoined(env)
			case model.KindError:
				var e model.ErrorPayload
				_ = json.Unmarshal(env.Payload, &e)
				s.abortJoin()
				return errors.Join(ErrJoinRejected, errors.New(e.Code+": "+e.Message))
			default:
				s.logger.Debug().Str("type", env.Type).Msg("ignoring envelope before joined")
			}
		}
	}
}

// abortJoin releases everything a failed join may have brought up: the
// acquired media and, when already dialed, the signaling pumps.
func (s *Session) abortJoin() {
	s.pub.Close()
	s.client.Close()
}

func (s *Session) handleRoomJoined(env model.Envelope) error {
	var joined model.RoomJoinedPayload
	if err := json.Unmarshal(env.Payload, &joined); err != nil {
		s.abortJoin()
		return errors.Join(ErrJoinRejected, err)
	}

	s.mu.Lock()
	s.selfID = joined.YourID
	s.roster = joined.Participants
	s.mu.Unlock()
	s.logger = s.logger.With().Str("selfID", joined.YourID).Logger()

	for _, p := range joined.Participants {
		if _, err := s.createPeer(p.ID); err != nil {
			s.logger.Error().Err(err).Str("remoteID", p.ID).Msg("failed to create peer session")
		}
	}
	s.notifyRoster()
	s.logger.Info().Str("roomID", s.cfg.RoomID).Int("participants", len(joined.Participants)).Msg("joined room")
	return nil
}

// Run dispatches signaling events until the channel closes or ctx is
// canceled. It always leaves the room on the way out.
func (s *Session) Run(ctx context.Context) error {
	defer s.Leave()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.client.Incoming():
			if !ok {
				return ErrDisconnected
			}
			s.handleEnvelope(env)
		}
	}
}

func (s *Session) handleEnvelope(env model.Envelope) {
	switch env.Type {
	case model.KindUserJoined:
		s.handleUserJoined(env)
	case model.KindOffer:
		s.handleOffer(env)
	case model.KindAnswer:
		s.handleAnswer(env)
	case model.KindICECandidate:
		s.handleCandidate(env)
	case model.KindUserLeft:
		s.handleUserLeft(env)
	case model.KindAudioToggled:
		s.handleToggled(env, func(p *model.Participant, enabled bool) { p.Audio = enabled })
	case model.KindVideoToggled:
		s.handleToggled(env, func(p *model.Participant, enabled bool) { p.Video = enabled })
	case model.KindScreenShareStarted:
		s.handleScreenShareToggled(env, true)
	case model.KindScreenShareStopped:
		s.handleScreenShareToggled(env, false)
	case model.KindChatMessage:
		var chat model.ChatBroadcastPayload
		if err := json.Unmarshal(env.Payload, &chat); err == nil && s.cfg.OnChat != nil {
			s.cfg.OnChat(chat)
		}
	case model.KindError:
		var e model.ErrorPayload
		_ = json.Unmarshal(env.Payload, &e)
		s.logger.Warn().Str("code", e.Code).Str("message", e.Message).Msg("server reported error")
	default:
		s.logger.Debug().Str("type", env.Type).Msg("ignoring unknown envelope")
	}
}

// handleUserJoined makes this side the offerer toward the newcomer.
func (s *Session) handleUserJoined(env model.Envelope) {
	var joined model.UserJoinedPayload
	if err := json.Unmarshal(env.Payload, &joined); err != nil {
		s.logger.Error().Err(err).Msg("malformed user-joined payload")
		return
	}

	s.mu.Lock()
	s.roster = append(s.roster, model.Participant{
		ID:    joined.UserID,
		Name:  joined.Name,
		Audio: joined.Audio,
		Video: joined.Video,
	})
	s.mu.Unlock()
	s.notifyRoster()

	peer, err := s.createPeer(joined.UserID)
	if err != nil {
		s.logger.Error().Err(err).Str("remoteID", joined.UserID).Msg("failed to create peer session")
		return
	}
	if err = peer.SendOffer(); err != nil {
		s.logger.Error().Err(err).Str("remoteID", joined.UserID).Msg("initial offer failed")
	}
}

func (s *Session) handleOffer(env model.Envelope) {
	var payload model.SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Error().Err(err).Msg("malformed offer payload")
		return
	}
	// an offer may legitimately arrive for a peer we have not seen yet
	peer, err := s.ensurePeer(env.From)
	if err != nil {
		s.logger.Error().Err(err).Str("remoteID", env.From).Msg("failed to create peer session")
		return
	}
	// a failed negotiation leaves this peer without media, it never
	// affects other sessions
	if err = peer.HandleOffer(payload.SDP); err != nil {
		s.logger.Error().Err(err).Str("remoteID", env.From).Msg("negotiation failed")
	}
}

func (s *Session) handleAnswer(env model.Envelope) {
	var payload model.SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Error().Err(err).Msg("malformed answer payload")
		return
	}
	peer, ok := s.peer(env.From)
	if !ok {
		s.logger.Debug().Str("remoteID", env.From).Msg("dropped answer from unknown peer")
		return
	}
	if err := peer.HandleAnswer(payload.SDP); err != nil {
		s.logger.Error().Err(err).Str("remoteID", env.From).Msg("negotiation failed")
	}
}

func (s *Session) handleCandidate(env model.Envelope) {
	var payload model.CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Error().Err(err).Msg("malformed candidate payload")
		return
	}
	peer, ok := s.peer(env.From)
	if !ok {
		s.logger.Debug().Str("remoteID", env.From).Msg("dropped candidate from unknown peer")
		return
	}
	_ = peer.HandleCandidate(payload.Candidate)
}

func (s *Session) handleUserLeft(env model.Envelope) {
	var left model.UserLeftPayload
	if err := json.Unmarshal(env.Payload, &left); err != nil {
		s.logger.Error().Err(err).Msg("malformed user-left payload")
		return
	}

	s.mu.Lock()
	peer, ok := s.peers[left.UserID]
	delete(s.peers, left.UserID)
	for i, p := range s.roster {
		if p.ID == left.UserID {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if ok {
		peer.Close()
	}
	s.notifyRoster()
}

func (s *Session) handleToggled(env model.Envelope, apply func(p *model.Participant, enabled bool)) {
	var toggled model.ToggledPayload
	if err := json.Unmarshal(env.Payload, &toggled); err != nil {
		s.logger.Error().Err(err).Msg("malformed toggle payload")
		return
	}
	s.updateRoster(toggled.UserID, func(p *model.Participant) { apply(p, toggled.Enabled) })
}

func (s *Session) handleScreenShareToggled(env model.Envelope, sharing bool) {
	var payload model.ScreenSharePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Error().Err(err).Msg("malformed screen-share payload")
		return
	}
	s.updateRoster(payload.UserID, func(p *model.Participant) { p.ScreenSharing = sharing })
}

// ToggleAudio flips the published audio state and announces it.
func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	if enabled {
		if err := s.pub.EnableAudio(ctx); err != nil {
			return err
		}
	} else {
		s.pub.DisableAudio()
	}
	return s.client.Send(model.Envelope{
		Type:    model.KindToggleAudio,
		Payload: model.MustPayload(model.TogglePayload{Enabled: enabled}),
	})
}

// ToggleVideo flips the published video state and announces it. Disabling
// removes the camera track from every peer session, enabling adds a fresh
// one; both renegotiate.
func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	if enabled {
		if err := s.pub.EnableVideo(ctx); err != nil {
			return err
		}
	} else {
		s.pub.DisableVideo()
	}
	return s.client.Send(model.Envelope{
		Type:    model.KindToggleVideo,
		Payload: model.MustPayload(model.TogglePayload{Enabled: enabled}),
	})
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	if err := s.pub.StartScreenShare(ctx); err != nil {
		return err
	}
	return s.sendSimple(model.KindStartScreenShare)
}

// StopScreenShare releases the capture; the stop announcement is sent by
// the publisher callback so that a source-initiated stop announces itself
// the same way.
func (s *Session) StopScreenShare() {
	s.pub.StopScreenShare()
}

func (s *Session) SendChat(text string) error {
	return s.client.Send(model.Envelope{
		Type:    model.KindChatMessage,
		Payload: model.MustPayload(model.ChatPayload{Text: text}),
	})
}

// Leave announces the leave, tears down every peer session and releases
// local media. Safe to call more than once.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		_ = s.client.Send(model.Envelope{Type: model.KindLeave})

		s.mu.Lock()
		peers := make([]*Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.peers = make(map[string]*Peer)
		s.roster = nil
		s.mu.Unlock()

		for _, p := range peers {
			p.Close()
		}
		s.pub.Close()
		s.client.Close()
		s.logger.Info().Msg("left room")
	})
}

// Signaler implementation, used by peer sessions.

func (s *Session) SendOffer(to string, sdp webrtc.SessionDescription) error {
	return s.client.Send(model.Envelope{
		Type:    model.KindOffer,
		To:      to,
		Payload: model.MustPayload(model.SDPPayload{SDP: sdp}),
	})
}

func (s *Session) SendAnswer(to string, sdp webrtc.SessionDescription) error {
	return s.client.Send(model.Envelope{
		Type:    model.KindAnswer,
		To:      to,
		Payload: model.MustPayload(model.SDPPayload{SDP: sdp}),
	})
}

func (s *Session) SendCandidate(to string, candidate webrtc.ICECandidateInit) error {
	return s.client.Send(model.Envelope{
		Type:    model.KindICECandidate,
		To:      to,
		Payload: model.MustPayload(model.CandidatePayload{Candidate: candidate}),
	})
}

func (s *Session) peer(remoteID string) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[remoteID]
	return p, ok
}

func (s *Session) ensurePeer(remoteID string) (*Peer, error) {
	if p, ok := s.peer(remoteID); ok {
		return p, nil
	}
	return s.createPeer(remoteID)
}

// createPeer builds a peer session carrying the currently published
// tracks. Tracks are attached without offering; the negotiation that
// announces them is driven by the caller (initial offer, or answering).
func (s *Session) createPeer(remoteID string) (*Peer, error) {
	conn, err := s.newConn()
	if err != nil {
		return nil, err
	}
	peer := NewPeer(PeerConfig{
		RemoteID:      remoteID,
		Conn:          conn,
		Signaler:      s,
		OnRemoteTrack: s.cfg.OnRemoteTrack,
		Logger:        s.cfg.Logger,
	})
	for _, t := range s.pub.Tracks() {
		if err = peer.AttachTrack(t); err != nil {
			s.logger.Error().Err(err).Str("remoteID", remoteID).Msg("failed to attach local track")
		}
	}

	s.mu.Lock()
	s.peers[remoteID] = peer
	s.mu.Unlock()
	return peer, nil
}

func (s *Session) trackTargets() []TrackTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackTarget, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Session) sendSimple(kind string) error {
	return s.client.Send(model.Envelope{Type: kind})
}

func (s *Session) updateRoster(userID string, apply func(p *model.Participant)) {
	s.mu.Lock()
	for i := range s.roster {
		if s.roster[i].ID == userID {
			apply(&s.roster[i])
			break
		}
	}
	s.mu.Unlock()
	s.notifyRoster()
}

func (s *Session) notifyRoster() {
	if s.cfg.OnRoster != nil {
		s.cfg.OnRoster(s.Roster())
	}
}
