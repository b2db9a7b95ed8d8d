package model

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Message kinds sent by clients.
const (
	KindJoin             = "join"
	KindOffer            = "offer"
	KindAnswer           = "answer"
	KindICECandidate     = "ice-candidate"
	KindToggleAudio      = "toggle-audio"
	KindToggleVideo      = "toggle-video"
	KindStartScreenShare = "start-screen-share"
	KindStopScreenShare  = "stop-screen-share"
	KindChatMessage      = "chat-message"
	KindLeave            = "leave"
)

// Message kinds sent by the server. Offer, answer, ice-candidate and
// chat-message are relayed under their original kind with From stamped.
const (
	KindRoomJoined         = "room-joined"
	KindUserJoined         = "user-joined"
	KindUserLeft           = "user-left"
	KindAudioToggled       = "user-audio-toggled"
	KindVideoToggled       = "user-video-toggled"
	KindScreenShareStarted = "user-started-screen-share"
	KindScreenShareStopped = "user-stopped-screen-share"
	KindError              = "error"
)

// Envelope is the wire frame for every signaling message.
// From is always re-assigned by the server based on the websocket session,
// clients cannot spoof it. To is set only on targeted kinds.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Participant is a room member as tracked by the registry and sent in
// roster payloads.
type Participant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Audio         bool      `json:"audio"`
	Video         bool      `json:"video"`
	ScreenSharing bool      `json:"screen_sharing"`
	JoinedAt      time.Time `json:"joined_at"`
}

// RoomInfo is the room listing entry for the admin API.
type RoomInfo struct {
	ID               string    `json:"room_id"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

type RoomStats struct {
	ID               string        `json:"room_id"`
	ParticipantCount int           `json:"participant_count"`
	MaxParticipants  int           `json:"max_participants"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActivity     time.Time     `json:"last_activity"`
	Participants     []Participant `json:"participants"`
}

type JoinPayload struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
	Token  string `json:"token,omitempty"`
}

type RoomJoinedPayload struct {
	RoomID       string        `json:"room_id"`
	YourID       string        `json:"your_id"`
	Participants []Participant `json:"participants"`
}

type UserJoinedPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
}

type SDPPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

type ToggledPayload struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

type ScreenSharePayload struct {
	UserID string `json:"user_id"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type ChatBroadcastPayload struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in ErrorPayload.
const (
	ErrCodeProtocol   = "protocol_error"
	ErrCodeRoomFull   = "room_full"
	ErrCodeNotFound   = "not_found"
	ErrCodeNotJoined  = "not_joined"
	ErrCodeForbidden  = "forbidden"
	ErrCodeServerSide = "server_error"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire is a pair of channels connecting one websocket session to the
// signaling service. RX carries client messages in, TX server messages out.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}

// MustPayload marshals a payload value for an Envelope. Payload types in
// this package cannot fail to marshal.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
