package rtc

import (
	"github.com/leapcast/leap-server/pkg/media"
)

// Role of a participant within a room. Viewer is the empty string on the
// wire, matching what clients expect in the roster map.
type Role string

const (
	RoleHost   Role = "host"
	RoleGuest  Role = "guest"
	RoleViewer Role = ""
)

// AssignableRoles are the roles a host may set on another participant.
// Host itself is only ever granted at join time.
func (r Role) Assignable() bool {
	return r == RoleGuest || r == RoleViewer
}

// EventSink delivers broadcast events to one connection. Implemented by the
// signaling layer's websocket connection.
type EventSink interface {
	ConnectionID() string
	WriteEvent(event string, data interface{}) error
}

// Participant is one connection's membership state in a room. All fields are
// guarded by the owning room's state lock; the JSON shape is what rides the
// roster broadcast.
type Participant struct {
	Identity string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	// producer id per stream kind, empty string when not producing
	ProducerIDs               map[media.StreamKind]string `json:"producerIds"`
	IsRequestingToJoinAsGuest bool                        `json:"isRequestingToJoinAsGuest,omitempty"`
}

func NewParticipant(identity, username string, role Role) *Participant {
	producerIDs := make(map[media.StreamKind]string, len(media.StreamKinds))
	for _, kind := range media.StreamKinds {
		producerIDs[kind] = ""
	}
	return &Participant{
		Identity:    identity,
		Username:    username,
		Role:        role,
		ProducerIDs: producerIDs,
	}
}

func (p *Participant) clone() *Participant {
	producerIDs := make(map[media.StreamKind]string, len(p.ProducerIDs))
	for kind, id := range p.ProducerIDs {
		producerIDs[kind] = id
	}
	return &Participant{
		Identity:                  p.Identity,
		Username:                  p.Username,
		Role:                      p.Role,
		ProducerIDs:               producerIDs,
		IsRequestingToJoinAsGuest: p.IsRequestingToJoinAsGuest,
	}
}
