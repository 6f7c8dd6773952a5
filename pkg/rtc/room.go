package rtc

import (
	"sync"
	"time"

	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
)

// Room is the participant roster for one room, created and destroyed in
// lockstep with its router.
//
// Compound operations spanning several reads and writes (join, role change,
// disconnect teardown, end) are serialized through Lock/Unlock, the per-room
// operation lock. The state lock stays internal and only guards individual
// map accesses, so broadcasts issued while holding the operation lock reach
// connections in state-commit order.
type Room struct {
	id              string
	maxParticipants int

	opLock sync.Mutex

	mu sync.RWMutex
	// connection id -> participant
	participants map[string]*Participant
	sinks        map[string]EventSink
	closed       bool
	emptySince   time.Time

	createdAt time.Time
}

func NewRoom(id string, maxParticipants int) *Room {
	return &Room{
		id:              id,
		maxParticipants: maxParticipants,
		participants:    make(map[string]*Participant),
		sinks:           make(map[string]EventSink),
		createdAt:       time.Now(),
		emptySince:      time.Now(),
	}
}

func (r *Room) ID() string {
	return r.id
}

// Lock acquires the room's compound-operation lock.
func (r *Room) Lock() {
	r.opLock.Lock()
}

func (r *Room) Unlock() {
	r.opLock.Unlock()
}

// Join inserts the connection's participant record after the capacity check.
func (r *Room) Join(sink EventSink, p *Participant) error {
	connectionID := sink.ConnectionID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.participants[connectionID]; ok {
		return ErrAlreadyJoined
	}
	if len(r.participants) >= r.maxParticipants {
		return ErrRoomFull
	}

	r.participants[connectionID] = p
	r.sinks[connectionID] = sink
	return nil
}

// Remove drops the connection from the roster and returns its record.
func (r *Room) Remove(connectionID string) *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participants[connectionID]
	delete(r.participants, connectionID)
	delete(r.sinks, connectionID)
	if len(r.participants) == 0 {
		r.emptySince = time.Now()
	}
	return p
}

// Get returns a snapshot of the connection's participant record.
func (r *Room) Get(connectionID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[connectionID]
	if !ok {
		return Participant{}, false
	}
	return *p.clone(), true
}

func (r *Room) Has(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[connectionID]
	return ok
}

// Snapshot deep-copies the roster, keyed by connection id. This is the
// payload of every roster broadcast.
func (r *Room) Snapshot() map[string]*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make(map[string]*Participant, len(r.participants))
	for id, p := range r.participants {
		users[id] = p.clone()
	}
	return users
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Room) IsEmpty() bool {
	return r.Len() == 0
}

// EmptySince reports when the room last became empty. Zero participants at
// creation counts as empty from creation time.
func (r *Room) EmptySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.participants) > 0 {
		return time.Time{}
	}
	return r.emptySince
}

func (r *Room) ConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return ids
}

func (r *Room) SetRole(connectionID string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connectionID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.Role = role
	p.IsRequestingToJoinAsGuest = false
	return nil
}

// SetProducer records the participant's producer for a kind. An empty id
// clears the slot.
func (r *Room) SetProducer(connectionID string, kind media.StreamKind, producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connectionID]
	if !ok {
		return ErrParticipantNotFound
	}
	if producerID != "" && p.ProducerIDs[kind] != "" {
		return ErrAlreadyProducing
	}
	p.ProducerIDs[kind] = producerID
	return nil
}

// ClearProducers empties every producer slot of the participant and returns
// the ids that were set.
func (r *Room) ClearProducers(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connectionID]
	if !ok {
		return nil
	}
	var ids []string
	for kind, id := range p.ProducerIDs {
		if id != "" {
			ids = append(ids, id)
			p.ProducerIDs[kind] = ""
		}
	}
	return ids
}

func (r *Room) SetRequestingGuest(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connectionID]
	if !ok {
		return ErrParticipantNotFound
	}
	if p.IsRequestingToJoinAsGuest {
		return ErrAlreadyRequestingGuest
	}
	p.IsRequestingToJoinAsGuest = true
	return nil
}

// Broadcast writes an event to every connection in the room.
func (r *Room) Broadcast(event string, data interface{}) {
	r.broadcast(event, data, "")
}

// BroadcastExcept writes an event to every connection but one. Used for mic
// stream announcements, which the producer does not need to hear.
func (r *Room) BroadcastExcept(excludeConnectionID, event string, data interface{}) {
	r.broadcast(event, data, excludeConnectionID)
}

func (r *Room) broadcast(event string, data interface{}, exclude string) {
	r.mu.RLock()
	sinks := make([]EventSink, 0, len(r.sinks))
	for id, sink := range r.sinks {
		if id == exclude {
			continue
		}
		sinks = append(sinks, sink)
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.WriteEvent(event, data); err != nil {
			logger.Debugw("could not write event to connection",
				"connectionId", sink.ConnectionID(), "event", event, "error", err)
		}
	}
}

// Close marks the room closed; further joins are rejected.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Room) IsClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
