package signaling

import "encoding/json"

const (
	TypeConnected   = "connected"
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeRoomJoined  = "room-joined"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeICECand     = "ice-candidate"
	TypeMediaState  = "media-state"
	TypeGetRelayCfg = "get-relay-config"
	TypeRelayConfig = "relay-config"
	TypePing        = "ping"
	TypeError       = "error"
)

// Envelope is the frame exchanged over the signaling channel. Data is opaque
// for relayed kinds.
type Envelope struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	To         string          `json:"to,omitempty"`
	From       string          `json:"from,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type roomData struct {
	RoomID string `json:"roomId"`
}

type participantView struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type roomJoinedData struct {
	RoomID       string            `json:"roomId"`
	Participants []participantView `json:"participants"`
}

type connectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type errorData struct {
	Message string `json:"message"`
}

func isRelayed(kind string) bool {
	switch kind {
	case TypeOffer, TypeAnswer, TypeICECand, TypeMediaState:
		return true
	}
	return false
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
