package client

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackSender is an outbound track slot on a media connection.
// *webrtc.RTPSender satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// MediaConn is the full media-connection surface a peer session owns.
type MediaConn interface {
	SessionConn
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(sender TrackSender) error
	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnTrack(f func(track *webrtc.TrackRemote))
	Close() error
}

// Signaler delivers negotiation messages to a specific remote participant.
type Signaler interface {
	SendOffer(to string, sdp webrtc.SessionDescription) error
	SendAnswer(to string, sdp webrtc.SessionDescription) error
	SendCandidate(to string, candidate webrtc.ICECandidateInit) error
}

// Peer owns the negotiated media connection toward one remote participant:
// its signaling state machine, outbound track slots and the incrementally
// assembled remote stream. All entry points are safe for concurrent use;
// operations against the same peer serialize through the negotiator.
type Peer struct {
	remoteID string
	conn     MediaConn
	neg      *Negotiator
	signaler Signaler
	logger   zerolog.Logger

	mu           sync.Mutex
	senders      map[TrackKind]TrackSender
	remoteTracks []*webrtc.TrackRemote

	onRemoteTrack func(remoteID string, track *webrtc.TrackRemote)

	// set before handler detach on close so in-flight callbacks become
	// no-ops instead of touching a closing connection
	closed    atomic.Bool
	closeOnce sync.Once
}

type PeerConfig struct {
	RemoteID      string
	Conn          MediaConn
	Signaler      Signaler
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	Logger        *zerolog.Logger
}

func NewPeer(cfg PeerConfig) *Peer {
	logger := cfg.Logger.With().
		Str("component", "peer").
		Str("remoteID", cfg.RemoteID).
		Logger()

	p := &Peer{
		remoteID:      cfg.RemoteID,
		conn:          cfg.Conn,
		neg:           NewNegotiator(cfg.Conn, logger),
		signaler:      cfg.Signaler,
		senders:       make(map[TrackKind]TrackSender),
		onRemoteTrack: cfg.OnRemoteTrack,
		logger:        logger,
	}

	p.conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if p.closed.Load() {
			return
		}
		if err := p.signaler.SendCandidate(p.remoteID, candidate); err != nil {
			p.logger.Error().Err(err).Msg("failed to send ICE candidate")
		}
	})
	p.conn.OnTrack(func(track *webrtc.TrackRemote) {
		if p.closed.Load() {
			return
		}
		p.mu.Lock()
		p.remoteTracks = append(p.remoteTracks, track)
		p.mu.Unlock()
		if p.onRemoteTrack != nil {
			p.onRemoteTrack(p.remoteID, track)
		}
	})
	return p
}

func (p *Peer) RemoteID() string {
	return p.remoteID
}

// RemoteTracks returns the inbound tracks received so far.
func (p *Peer) RemoteTracks() []*webrtc.TrackRemote {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(p.remoteTracks))
	copy(out, p.remoteTracks)
	return out
}

// SendOffer drives the session into have-local-offer and ships the offer.
// With a negotiation already in flight the offer is queued and re-raised
// when the machine settles.
func (p *Peer) SendOffer() error {
	offer, ok, err := p.neg.Offer()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to create offer")
		return err
	}
	if !ok {
		return nil
	}
	if err = p.signaler.SendOffer(p.remoteID, offer); err != nil {
		p.logger.Error().Err(err).Msg("failed to send offer")
		return err
	}
	return nil
}

func (p *Peer) HandleOffer(offer webrtc.SessionDescription) error {
	answer, err := p.neg.HandleOffer(offer)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to answer offer")
		return err
	}
	if err = p.signaler.SendAnswer(p.remoteID, answer); err != nil {
		p.logger.Error().Err(err).Msg("failed to send answer")
		return err
	}
	return p.kickQueuedOffer()
}

func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := p.neg.HandleAnswer(answer); err != nil {
		// an answer in the wrong state is dropped, not fatal
		p.logger.Warn().Err(err).Msg("dropped answer")
		return err
	}
	return p.kickQueuedOffer()
}

func (p *Peer) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.neg.AddCandidate(candidate); err != nil {
		p.logger.Error().Err(err).Msg("failed to add ICE candidate")
		return err
	}
	return nil
}

func (p *Peer) kickQueuedOffer() error {
	if p.neg.TakeQueuedOffer() {
		return p.SendOffer()
	}
	return nil
}

// AttachTrack adds an outbound track without renegotiating. Used while
// assembling a session that is yet to be negotiated, e.g. before answering
// a newcomer's roster offer.
func (p *Peer) AttachTrack(t Track) error {
	_, err := p.addTrack(t)
	return err
}

// AddLocalTrack adds an outbound track and renegotiates.
func (p *Peer) AddLocalTrack(t Track) error {
	if _, err := p.addTrack(t); err != nil {
		return err
	}
	return p.SendOffer()
}

func (p *Peer) addTrack(t Track) (TrackSender, error) {
	sender, err := p.conn.AddTrack(t.Local())
	if err != nil {
		p.logger.Error().Err(err).Str("kind", string(t.Kind())).Msg("failed to add track")
		return nil, err
	}
	p.mu.Lock()
	p.senders[t.Kind()] = sender
	p.mu.Unlock()
	return sender, nil
}

// RemoveLocalTrack retracts the outbound slot of the given kind and
// renegotiates. Unknown kinds are a no-op.
func (p *Peer) RemoveLocalTrack(kind TrackKind) error {
	p.mu.Lock()
	sender, ok := p.senders[kind]
	if ok {
		delete(p.senders, kind)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.conn.RemoveTrack(sender); err != nil {
		p.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to remove track")
		return err
	}
	return p.SendOffer()
}

// SubstituteVideo swaps the outgoing video track in place where a video
// slot already exists (no renegotiation needed), or adds a new slot and
// renegotiates otherwise. Screen-share start/stop uses this on every peer.
func (p *Peer) SubstituteVideo(t Track) error {
	p.mu.Lock()
	sender, ok := p.senders[TrackKindVideo]
	p.mu.Unlock()
	if ok {
		if err := sender.ReplaceTrack(t.Local()); err != nil {
			p.logger.Error().Err(err).Msg("failed to replace video track")
			return err
		}
		return nil
	}
	return p.AddLocalTrack(t)
}

// Close detaches all event handlers first and only then closes the
// underlying connection, so late asynchronous callbacks cannot touch
// removed state. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.conn.OnICECandidate(nil)
		p.conn.OnTrack(nil)
		if err := p.conn.Close(); err != nil {
			p.logger.Error().Err(err).Msg("failed to close media connection")
		}
		p.logger.Debug().Msg("peer session closed")
	})
}
