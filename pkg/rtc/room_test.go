package rtc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leapcast/leap-server/pkg/media"
)

type fakeSink struct {
	connectionID string

	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	event string
	data  interface{}
}

func newFakeSink(connectionID string) *fakeSink {
	return &fakeSink{connectionID: connectionID}
}

func (s *fakeSink) ConnectionID() string {
	return s.connectionID
}

func (s *fakeSink) WriteEvent(event string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{event: event, data: data})
	return nil
}

func (s *fakeSink) eventCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.events {
		if e.event == event {
			count++
		}
	}
	return count
}

func TestRoomJoinCapacity(t *testing.T) {
	room := NewRoom("episode/crowded", 16)

	for i := 0; i < 16; i++ {
		sink := newFakeSink(fmt.Sprintf("conn-%d", i))
		require.NoError(t, room.Join(sink, NewParticipant(fmt.Sprintf("user-%d", i), "user", RoleViewer)))
	}
	require.Equal(t, 16, room.Len())

	err := room.Join(newFakeSink("conn-late"), NewParticipant("late", "late", RoleViewer))
	require.Equal(t, ErrRoomFull, err)

	// a rejected join must leave the roster untouched
	require.Equal(t, 16, room.Len())
	require.False(t, room.Has("conn-late"))
}

func TestRoomJoinDuplicate(t *testing.T) {
	room := NewRoom("episode/dup", 16)
	sink := newFakeSink("conn-1")

	require.NoError(t, room.Join(sink, NewParticipant("user", "user", RoleHost)))
	err := room.Join(sink, NewParticipant("user", "user", RoleHost))
	require.Equal(t, ErrAlreadyJoined, err)
}

func TestRoomJoinClosed(t *testing.T) {
	room := NewRoom("episode/over", 16)
	room.Close()
	err := room.Join(newFakeSink("conn-1"), NewParticipant("user", "user", RoleViewer))
	require.Equal(t, ErrRoomClosed, err)
}

func TestRoomProducerSlots(t *testing.T) {
	room := NewRoom("episode/producing", 16)
	require.NoError(t, room.Join(newFakeSink("conn-1"), NewParticipant("user", "user", RoleHost)))

	require.NoError(t, room.SetProducer("conn-1", media.KindMic, "mic-1"))
	require.Equal(t, ErrAlreadyProducing, room.SetProducer("conn-1", media.KindMic, "mic-2"))

	// other kind is an independent slot
	require.NoError(t, room.SetProducer("conn-1", media.KindWebcam, "cam-1"))

	p, ok := room.Get("conn-1")
	require.True(t, ok)
	require.Equal(t, "mic-1", p.ProducerIDs[media.KindMic])

	ids := room.ClearProducers("conn-1")
	require.ElementsMatch(t, []string{"mic-1", "cam-1"}, ids)

	// cleared slots accept a new producer
	require.NoError(t, room.SetProducer("conn-1", media.KindMic, "mic-3"))

	require.Equal(t, ErrParticipantNotFound, room.SetProducer("conn-ghost", media.KindMic, "mic-4"))
}

func TestRoomGuestRequest(t *testing.T) {
	room := NewRoom("episode/requests", 16)
	require.NoError(t, room.Join(newFakeSink("conn-1"), NewParticipant("user", "user", RoleViewer)))

	require.NoError(t, room.SetRequestingGuest("conn-1"))
	require.Equal(t, ErrAlreadyRequestingGuest, room.SetRequestingGuest("conn-1"))

	p, _ := room.Get("conn-1")
	require.True(t, p.IsRequestingToJoinAsGuest)

	// granting any role clears the pending request
	require.NoError(t, room.SetRole("conn-1", RoleGuest))
	p, _ = room.Get("conn-1")
	require.Equal(t, RoleGuest, p.Role)
	require.False(t, p.IsRequestingToJoinAsGuest)
}

func TestRoomBroadcast(t *testing.T) {
	room := NewRoom("episode/chatty", 16)
	sinks := make([]*fakeSink, 3)
	for i := range sinks {
		sinks[i] = newFakeSink(fmt.Sprintf("conn-%d", i))
		require.NoError(t, room.Join(sinks[i], NewParticipant(fmt.Sprintf("user-%d", i), "user", RoleViewer)))
	}

	room.Broadcast("room/users", nil)
	for _, sink := range sinks {
		require.Equal(t, 1, sink.eventCount("room/users"))
	}

	room.BroadcastExcept("conn-1", "stream/mic", nil)
	require.Equal(t, 1, sinks[0].eventCount("stream/mic"))
	require.Equal(t, 0, sinks[1].eventCount("stream/mic"))
	require.Equal(t, 1, sinks[2].eventCount("stream/mic"))
}

func TestRoomSnapshotIsolation(t *testing.T) {
	room := NewRoom("episode/snap", 16)
	require.NoError(t, room.Join(newFakeSink("conn-1"), NewParticipant("user", "user", RoleViewer)))

	snap := room.Snapshot()
	snap["conn-1"].Role = RoleHost
	snap["conn-1"].ProducerIDs[media.KindMic] = "rogue"

	p, _ := room.Get("conn-1")
	require.Equal(t, RoleViewer, p.Role)
	require.Empty(t, p.ProducerIDs[media.KindMic])
}

func TestRoomEmptySince(t *testing.T) {
	room := NewRoom("episode/idle", 16)
	require.False(t, room.EmptySince().IsZero(), "a fresh room counts as empty")

	require.NoError(t, room.Join(newFakeSink("conn-1"), NewParticipant("user", "user", RoleViewer)))
	require.True(t, room.EmptySince().IsZero(), "an occupied room is not empty")

	room.Remove("conn-1")
	require.False(t, room.EmptySince().IsZero())
	require.True(t, room.IsEmpty())
}

func TestRoleAssignable(t *testing.T) {
	require.True(t, RoleGuest.Assignable())
	require.True(t, RoleViewer.Assignable())
	require.False(t, RoleHost.Assignable())
	require.False(t, Role("producer").Assignable())
}
