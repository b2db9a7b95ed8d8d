package client

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// pionConn adapts *webrtc.PeerConnection to MediaConn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

// NewPeerConnection builds a media connection with the given STUN/TURN
// urls, falling back to public STUN when none are configured.
func NewPeerConnection(iceServers []string) (MediaConn, error) {
	pc, err := webrtc.NewPeerConnection(rtcConfiguration(iceServers))
	if err != nil {
		return nil, errors.Join(errors.New("unable to create peer connection"), err)
	}
	return &pionConn{pc: pc}, nil
}

// NewPeerConnectionWithAPI builds a media connection from a preconfigured
// webrtc API, used when the negotiated codec set must match the local
// capture encoders.
func NewPeerConnectionWithAPI(api *webrtc.API, iceServers []string) (MediaConn, error) {
	pc, err := api.NewPeerConnection(rtcConfiguration(iceServers))
	if err != nil {
		return nil, errors.Join(errors.New("unable to create peer connection"), err)
	}
	return &pionConn{pc: pc}, nil
}

func rtcConfiguration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = defaultSTUNServers
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *c.pc.LocalDescription(), nil
}

func (c *pionConn) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *c.pc.LocalDescription(), nil
}

func (c *pionConn) SetAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *pionConn) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	return c.pc.AddTrack(track)
}

func (c *pionConn) RemoveTrack(sender TrackSender) error {
	rtpSender, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return errors.New("sender does not belong to this connection")
	}
	return c.pc.RemoveTrack(rtpSender)
}

func (c *pionConn) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || f == nil {
			return
		}
		f(candidate.ToJSON())
	})
}

func (c *pionConn) OnTrack(f func(track *webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if f == nil {
			return
		}
		f(track)
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
