// Package registry holds the authoritative per-room membership state.
// It has no awareness of media or signaling payloads.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshmeet/model"
)

const defaultMaxParticipants = 10

var (
	ErrRoomExists          = errors.New("room already exists")
	ErrRoomNotFound        = errors.New("room is not found")
	ErrRoomFull            = errors.New("room is full")
	ErrParticipantNotFound = errors.New("participant is not found")
)

type room struct {
	id           string
	participants map[string]*model.Participant
	order        []string // join order
	createdAt    time.Time
	lastActivity time.Time
}

// Registry is an in-memory room store. All operations are atomic with
// respect to each other; callers never observe a partially applied
// mutation.
type Registry struct {
	mx              *sync.Mutex
	rooms           map[string]*room
	maxParticipants int
	logger          zerolog.Logger
}

type Config struct {
	Logger          *zerolog.Logger
	MaxParticipants int
}

func New(cfg Config) *Registry {
	maxP := cfg.MaxParticipants
	if maxP <= 0 {
		maxP = defaultMaxParticipants
	}
	return &Registry{
		mx:              &sync.Mutex{},
		rooms:           make(map[string]*room),
		maxParticipants: maxP,
		logger:          cfg.Logger.With().Str("component", "registry").Logger(),
	}
}

func (r *Registry) MaxParticipants() int {
	return r.maxParticipants
}

// CreateRoom creates an empty room. With an empty id a random one is
// generated. Note that an empty room does not survive participant churn:
// the first leave that empties it deletes it.
func (r *Registry) CreateRoom(roomID string) (string, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if roomID == "" {
		roomID = uuid.NewString()
	}
	if _, ok := r.rooms[roomID]; ok {
		return "", ErrRoomExists
	}
	now := time.Now()
	r.rooms[roomID] = &room{
		id:           roomID,
		participants: make(map[string]*model.Participant),
		createdAt:    now,
		lastActivity: now,
	}
	r.logger.Info().Str("roomID", roomID).Msg("room created")
	return roomID, nil
}

// AddParticipant registers userID in an existing room. Joins beyond the
// configured maximum are rejected without touching room state.
func (r *Registry) AddParticipant(roomID, userID string, p model.Participant) (model.Participant, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return model.Participant{}, ErrRoomNotFound
	}
	if _, ok = rm.participants[userID]; !ok && len(rm.participants) >= r.maxParticipants {
		return model.Participant{}, ErrRoomFull
	}

	p.ID = userID
	p.JoinedAt = time.Now()
	if _, ok = rm.participants[userID]; !ok {
		rm.order = append(rm.order, userID)
	}
	rm.participants[userID] = &p
	rm.lastActivity = time.Now()

	r.logger.Info().Str("roomID", roomID).Str("userID", userID).Msg("participant joined")
	return p, nil
}

// RemoveParticipant deletes userID from the room and reports whether it
// was a member. A room emptied by the removal is deleted immediately.
func (r *Registry) RemoveParticipant(roomID, userID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok = rm.participants[userID]; !ok {
		return false
	}
	delete(rm.participants, userID)
	for i, id := range rm.order {
		if id == userID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	rm.lastActivity = time.Now()
	r.logger.Info().Str("roomID", roomID).Str("userID", userID).Msg("participant left")

	if len(rm.participants) == 0 {
		delete(r.rooms, roomID)
		r.logger.Info().Str("roomID", roomID).Msg("room deleted")
	}
	return true
}

// ParticipantUpdate is a partial update of a participant's media flags.
// Nil fields are left untouched.
type ParticipantUpdate struct {
	Audio         *bool
	Video         *bool
	ScreenSharing *bool
}

func (r *Registry) UpdateParticipant(roomID, userID string, upd ParticipantUpdate) (model.Participant, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return model.Participant{}, ErrRoomNotFound
	}
	p, ok := rm.participants[userID]
	if !ok {
		return model.Participant{}, ErrParticipantNotFound
	}
	if upd.Audio != nil {
		p.Audio = *upd.Audio
	}
	if upd.Video != nil {
		p.Video = *upd.Video
	}
	if upd.ScreenSharing != nil {
		p.ScreenSharing = *upd.ScreenSharing
	}
	rm.lastActivity = time.Now()
	return *p, nil
}

// Participants returns room members in join order. A missing room yields
// an empty slice.
func (r *Registry) Participants(roomID string) []model.Participant {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Participant, 0, len(rm.order))
	for _, id := range rm.order {
		out = append(out, *rm.participants[id])
	}
	return out
}

func (r *Registry) Participant(roomID, userID string) (model.Participant, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return model.Participant{}, false
	}
	p, ok := rm.participants[userID]
	if !ok {
		return model.Participant{}, false
	}
	return *p, true
}

// Rooms lists all rooms for the admin API.
func (r *Registry) Rooms() []model.RoomInfo {
	r.mx.Lock()
	defer r.mx.Unlock()

	out := make([]model.RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, model.RoomInfo{
			ID:               rm.id,
			ParticipantCount: len(rm.participants),
			CreatedAt:        rm.createdAt,
			LastActivity:     rm.lastActivity,
		})
	}
	return out
}

func (r *Registry) Stats(roomID string) (model.RoomStats, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return model.RoomStats{}, ErrRoomNotFound
	}
	participants := make([]model.Participant, 0, len(rm.order))
	for _, id := range rm.order {
		participants = append(participants, *rm.participants[id])
	}
	return model.RoomStats{
		ID:               rm.id,
		ParticipantCount: len(rm.participants),
		MaxParticipants:  r.maxParticipants,
		CreatedAt:        rm.createdAt,
		LastActivity:     rm.lastActivity,
		Participants:     participants,
	}, nil
}

func (r *Registry) DeleteRoom(roomID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.rooms[roomID]; !ok {
		return false
	}
	delete(r.rooms, roomID)
	r.logger.Info().Str("roomID", roomID).Msg("room deleted")
	return true
}
