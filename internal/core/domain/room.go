package domain

type RoomName string

// DefaultRooms is the catalog used when none is configured.
var DefaultRooms = []RoomName{"General", "Games", "Music"}

// RoomInfo is the public view of a room.
type RoomInfo struct {
	Name    RoomName `json:"name"`
	Members []string `json:"members"`
	Count   int      `json:"count"`
	Active  bool     `json:"active"`
}

// Presence is the relayed mute/speaking state of one member.
type Presence struct {
	Username string `json:"username"`
	Muted    bool   `json:"muted"`
	Speaking bool   `json:"speaking"`
}

// ProducerEntry indexes a live producer inside a room.
type ProducerEntry struct {
	ProducerID   ProducerID   `json:"producerId"`
	ConnectionID ConnectionID `json:"connectionId"`
	Username     string       `json:"username"`
	Kind         MediaKind    `json:"kind"`
}

// RoomEvent is published on the presence bus.
type RoomEvent struct {
	Type       string     `json:"type"`
	Room       RoomName   `json:"room"`
	Username   string     `json:"username,omitempty"`
	Members    []string   `json:"members,omitempty"`
	ProducerID ProducerID `json:"producerId,omitempty"`
	Muted      *bool      `json:"muted,omitempty"`
}

const (
	RoomEventUserJoined    = "user_joined"
	RoomEventUserLeft      = "user_left"
	RoomEventProducerAdded = "producer_added"
	RoomEventMuteStatus    = "mute_status"
)

func RoomNames(names []string) []RoomName {
	out := make([]RoomName, len(names))
	for i, n := range names {
		out[i] = RoomName(n)
	}
	return out
}
