package client

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// SignalingState mirrors the standard offer/answer signaling states of a
// peer media connection.
type SignalingState int

const (
	StateStable SignalingState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
)

func (s SignalingState) String() string {
	switch s {
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "stable"
	}
}

var ErrUnexpectedAnswer = errors.New("answer is only valid with a pending local offer")

// SessionConn is the slice of a media connection the negotiator drives.
// Implemented by the pion adapter in production and by fakes in tests.
type SessionConn interface {
	// CreateOffer creates an offer and installs it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then creates and installs a
	// local answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetAnswer applies a remote answer to the pending local offer.
	SetAnswer(answer webrtc.SessionDescription) error
	// Rollback discards the pending local offer.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// Negotiator is the offer/answer state machine for one peer session. All
// transitions are serialized through its mutex: a transition attempted
// while another is suspended in a media API call waits and then observes
// the new state, it never races.
type Negotiator struct {
	mu     sync.Mutex
	conn   SessionConn
	state  SignalingState
	logger zerolog.Logger

	// remote candidates arriving before a remote description exists are
	// parked here and flushed the moment one is set
	pendingRemote []webrtc.ICECandidateInit
	remoteSet     bool

	// a renegotiation requested while not stable is recorded and re-raised
	// by the owner once the machine returns to stable
	queuedOffer bool
}

func NewNegotiator(conn SessionConn, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		conn:   conn,
		state:  StateStable,
		logger: logger,
	}
}

func (n *Negotiator) State() SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Offer attempts the stable -> have-local-offer transition. When the
// machine is not stable the request is queued instead and the second
// return value is false; TakeQueuedOffer surfaces it once stable again.
func (n *Negotiator) Offer() (webrtc.SessionDescription, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateStable {
		n.queuedOffer = true
		n.logger.Debug().Stringer("state", n.state).Msg("offer queued, negotiation in progress")
		return webrtc.SessionDescription{}, false, nil
	}

	offer, err := n.conn.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, false, err
	}
	n.state = StateHaveLocalOffer
	return offer, true, nil
}

// HandleOffer runs the remote-offer transition and returns the answer.
//
// Glare rule: an offer arriving while we have a pending local offer always
// wins, the local offer is rolled back and discarded before the inbound
// one is applied. The rollback is unconditional on both sides, there is no
// id-based tie-break: if both peers offer at the same instant both may
// roll back and re-offer, which can live-lock under pathological timing.
// Known open issue inherited from the protocol, do not "fix" it here with
// an invented tie-break.
func (n *Negotiator) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateHaveLocalOffer {
		if err := n.conn.Rollback(); err != nil {
			return webrtc.SessionDescription{}, err
		}
		n.state = StateStable
		// the change behind the discarded offer is still unannounced,
		// re-raise it after the inbound negotiation settles
		n.queuedOffer = true
		n.logger.Debug().Msg("glare: rolled back pending local offer")
	}

	n.state = StateHaveRemoteOffer
	answer, err := n.conn.CreateAnswer(offer)
	if err != nil {
		n.state = StateStable
		return webrtc.SessionDescription{}, err
	}
	n.remoteDescriptionSet()
	n.state = StateStable
	return answer, nil
}

// HandleAnswer applies a remote answer. Answers are only legal from
// have-local-offer; anything else is a protocol violation reported with
// ErrUnexpectedAnswer and otherwise ignored.
func (n *Negotiator) HandleAnswer(answer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateHaveLocalOffer {
		return ErrUnexpectedAnswer
	}
	if err := n.conn.SetAnswer(answer); err != nil {
		return err
	}
	n.remoteDescriptionSet()
	n.state = StateStable
	return nil
}

// AddCandidate applies a remote ICE candidate, or queues it when no remote
// description exists yet.
func (n *Negotiator) AddCandidate(candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.remoteSet {
		n.pendingRemote = append(n.pendingRemote, candidate)
		return nil
	}
	return n.conn.AddICECandidate(candidate)
}

// TakeQueuedOffer reports whether a queued renegotiation is due, clearing
// the flag. Only meaningful once the machine is back to stable.
func (n *Negotiator) TakeQueuedOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateStable || !n.queuedOffer {
		return false
	}
	n.queuedOffer = false
	return true
}

// remoteDescriptionSet flushes parked candidates. Called with mu held.
func (n *Negotiator) remoteDescriptionSet() {
	n.remoteSet = true
	for _, candidate := range n.pendingRemote {
		if err := n.conn.AddICECandidate(candidate); err != nil {
			n.logger.Error().Err(err).Msg("failed to apply queued ICE candidate")
		}
	}
	n.pendingRemote = nil
}
