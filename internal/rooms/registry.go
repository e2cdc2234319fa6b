package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tariel-x/callsignal/internal/models"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not in room")
)

// JoinResult describes what a join changed.
type JoinResult struct {
	Room models.Room
	// Others are the participants present before the caller, without the caller.
	Others []models.Participant
	// Evicted is set when the same user was already present under another connection.
	Evicted *models.Participant
	Created bool
	// CallConnected is true only for the join that stamped CallConnectedAt.
	CallConnected bool
}

type LeaveResult struct {
	Removed     models.Participant
	Remaining   []models.Participant
	RoomDeleted bool
}

type Stats struct {
	TotalRooms        int `json:"totalRooms"`
	TotalParticipants int `json:"totalParticipants"`
}

// Registry is the in-memory room table. Every method runs under one mutex and
// never blocks on I/O, so a room is never observed half-updated.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*models.Room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*models.Room),
	}
}

func (r *Registry) Join(roomID, userID, connectionID string, now time.Time) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult

	room, ok := r.rooms[roomID]
	if !ok {
		room = &models.Room{
			ID:           roomID,
			Participants: make(map[string]models.Participant),
			CreatedAt:    now,
		}
		r.rooms[roomID] = room
		res.Created = true
	}

	// One live entry per user: a second join replaces the previous connection.
	if existing, found := room.ParticipantByUser(userID); found {
		delete(room.Participants, existing.ConnectionID)
		evicted := existing
		res.Evicted = &evicted
	}

	room.Participants[connectionID] = models.Participant{
		ConnectionID: connectionID,
		UserID:       userID,
		JoinedAt:     now,
	}

	if len(room.Participants) >= 2 && room.CallConnectedAt.IsZero() {
		room.CallConnectedAt = now
		res.CallConnected = true
	}

	res.Others = othersLocked(room, connectionID)
	res.Room = snapshotLocked(room)
	return res
}

// Remove detaches connectionID from roomID and deletes the room once empty.
func (r *Registry) Remove(roomID, connectionID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{}, ErrRoomNotFound
	}

	p, ok := room.Participants[connectionID]
	if !ok {
		return LeaveResult{}, ErrParticipantNotFound
	}
	delete(room.Participants, connectionID)

	res := LeaveResult{
		Removed:   p,
		Remaining: othersLocked(room, connectionID),
	}
	if len(room.Participants) == 0 {
		delete(r.rooms, roomID)
		res.RoomDeleted = true
	}
	return res, nil
}

// RoomsWithConnection lists the rooms in which connectionID is a participant.
func (r *Registry) RoomsWithConnection(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, room := range r.rooms {
		if _, ok := room.Participants[connectionID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Get(roomID string) (models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return snapshotLocked(room), nil
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{TotalRooms: len(r.rooms)}
	for _, room := range r.rooms {
		s.TotalParticipants += len(room.Participants)
	}
	return s
}

func othersLocked(room *models.Room, selfConnectionID string) []models.Participant {
	others := make([]models.Participant, 0, len(room.Participants))
	for id, p := range room.Participants {
		if id == selfConnectionID {
			continue
		}
		others = append(others, p)
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].JoinedAt.Equal(others[j].JoinedAt) {
			return others[i].ConnectionID < others[j].ConnectionID
		}
		return others[i].JoinedAt.Before(others[j].JoinedAt)
	})
	return others
}

func snapshotLocked(room *models.Room) models.Room {
	cp := *room
	cp.Participants = make(map[string]models.Participant, len(room.Participants))
	for id, p := range room.Participants {
		cp.Participants[id] = p
	}
	return cp
}
