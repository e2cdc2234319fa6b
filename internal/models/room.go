package models

import "time"

// Participant is one identity attached to one room through one connection.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Room is a snapshot of a call room. CallConnectedAt stays zero until the
// second participant joins and never changes afterwards.
type Room struct {
	ID              string                 `json:"roomId"`
	Participants    map[string]Participant `json:"-"`
	CreatedAt       time.Time              `json:"createdAt"`
	CallConnectedAt time.Time              `json:"callConnectedAt,omitempty"`
}

func (r *Room) ParticipantsCount() int {
	return len(r.Participants)
}

func (r *Room) CallConnected() bool {
	return !r.CallConnectedAt.IsZero()
}

// ParticipantByUser returns the live participant for userID, if any.
func (r *Room) ParticipantByUser(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}
