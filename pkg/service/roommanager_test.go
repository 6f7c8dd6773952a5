// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leapcast/leap-server/pkg/config"
	"github.com/leapcast/leap-server/pkg/media"
	"github.com/leapcast/leap-server/pkg/rtc"
)

type stubWorker struct {
	id int

	mu      sync.Mutex
	methods []string
}

func (w *stubWorker) ID() int {
	return w.id
}

func (w *stubWorker) Request(_ context.Context, method string, payload interface{}, result interface{}) error {
	w.mu.Lock()
	w.methods = append(w.methods, method)
	w.mu.Unlock()

	if method == media.MethodConsume && result != nil {
		req := payload.(*media.ConsumeRequest)
		*result.(*media.ConsumerInfo) = media.ConsumerInfo{
			ID:         req.ConsumerID,
			ProducerID: req.ProducerID,
		}
	}
	return nil
}

func (w *stubWorker) Close() error {
	return nil
}

func (w *stubWorker) requestCount(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	count := 0
	for _, m := range w.methods {
		if m == method {
			count++
		}
	}
	return count
}

type recordingSink struct {
	connectionID string

	mu     sync.Mutex
	events []string
}

func newRecordingSink(connectionID string) *recordingSink {
	return &recordingSink{connectionID: connectionID}
}

func (s *recordingSink) ConnectionID() string {
	return s.connectionID
}

func (s *recordingSink) WriteEvent(event string, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) eventCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.events {
		if e == event {
			count++
		}
	}
	return count
}

func newTestManager(t *testing.T) (*RoomManager, *stubWorker) {
	conf, err := config.NewConfig("", nil)
	require.NoError(t, err)

	worker := &stubWorker{}
	pool, err := media.NewPool(1, func(id int) (media.Worker, error) {
		worker.id = id
		return worker, nil
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewRoomManager(conf, pool, NewLocalStore()), worker
}

// joinProducer joins a connection and gives it a connected send transport.
func joinProducer(t *testing.T, m *RoomManager, roomID, connectionID string, role rtc.Role) *recordingSink {
	ctx := context.Background()
	sink := newRecordingSink(connectionID)
	_, err := m.Join(ctx, sink, roomID, connectionID, connectionID, role)
	require.NoError(t, err)
	_, err = m.CreateTransport(ctx, media.DirectionSend, connectionID, roomID)
	require.NoError(t, err)
	return sink
}

func TestManagerJoinAndRoster(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	host := newRecordingSink("conn-host")
	res, err := m.Join(ctx, host, "episode/pilot", "alice", "Alice", rtc.RoleHost)
	require.NoError(t, err)
	require.Len(t, res.Users, 1)
	require.Equal(t, rtc.RoleHost, res.Users["conn-host"].Role)
	require.NotEmpty(t, res.RouterRTPCapabilities.Codecs)
	require.Contains(t, res.Streams, media.KindWebcam)
	require.Contains(t, res.Streams, media.KindMic)
	require.Equal(t, 1, host.eventCount(EventRoomUsers))

	viewer := newRecordingSink("conn-viewer")
	res, err = m.Join(ctx, viewer, "episode/pilot", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)
	require.Len(t, res.Users, 2)

	// both hear about the second join
	require.Equal(t, 2, host.eventCount(EventRoomUsers))
	require.Equal(t, 1, viewer.eventCount(EventRoomUsers))
}

func TestManagerRoomCapacity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		sink := newRecordingSink(fmt.Sprintf("conn-%d", i))
		_, err := m.Join(ctx, sink, "episode/crowded", fmt.Sprintf("user-%d", i), "user", rtc.RoleViewer)
		require.NoError(t, err)
	}

	_, err := m.Join(ctx, newRecordingSink("conn-late"), "episode/crowded", "late", "late", rtc.RoleViewer)
	require.Equal(t, rtc.ErrRoomFull, err)
}

func TestManagerSingleRoomPerConnection(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sink := newRecordingSink("conn-1")
	_, err := m.Join(ctx, sink, "episode/first", "alice", "Alice", rtc.RoleViewer)
	require.NoError(t, err)

	// a second room is rejected while the first membership is live, and no
	// router is created for it
	_, err = m.Join(ctx, sink, "episode/second", "alice", "Alice", rtc.RoleViewer)
	require.Equal(t, ErrAlreadyInRoom, err)
	require.Equal(t, 1, m.Registry().Count())

	// rejoining the same room still reports the duplicate
	_, err = m.Join(ctx, sink, "episode/first", "alice", "Alice", rtc.RoleViewer)
	require.Equal(t, rtc.ErrAlreadyJoined, err)

	firstRoom, _, err := m.roomAndRouter("episode/first")
	require.NoError(t, err)
	require.True(t, firstRoom.Has("conn-1"))

	// leaving frees the connection for another room
	m.Leave(ctx, "episode/first", "conn-1")
	_, err = m.Join(ctx, sink, "episode/second", "alice", "Alice", rtc.RoleViewer)
	require.NoError(t, err)
}

func TestManagerTransportRequiresMembership(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	host := newRecordingSink("conn-host")
	_, err := m.Join(ctx, host, "episode/gated", "alice", "Alice", rtc.RoleHost)
	require.NoError(t, err)

	// only members of the room may open transports on its router
	_, err = m.CreateTransport(ctx, media.DirectionRecv, "conn-stranger", "episode/gated")
	require.Equal(t, rtc.ErrParticipantNotFound, err)

	_, err = m.CreateTransport(ctx, media.DirectionRecv, "conn-host", "episode/unknown")
	require.Equal(t, ErrRoomNotFound, err)

	_, err = m.CreateTransport(ctx, media.DirectionRecv, "conn-host", "episode/gated")
	require.NoError(t, err)
}

func TestManagerProduceLifecycle(t *testing.T) {
	m, worker := newTestManager(t)
	ctx := context.Background()

	host := joinProducer(t, m, "episode/live", "conn-host", rtc.RoleHost)
	viewer := newRecordingSink("conn-viewer")
	_, err := m.Join(ctx, viewer, "episode/live", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)

	camID, err := m.Produce(ctx, "episode/live", "conn-host", media.KindWebcam, media.RTPParameters{})
	require.NoError(t, err)
	require.NotEmpty(t, camID)
	require.Equal(t, 1, worker.requestCount(media.MethodProduce))

	// one producer per kind per participant
	_, err = m.Produce(ctx, "episode/live", "conn-host", media.KindWebcam, media.RTPParameters{})
	require.Equal(t, rtc.ErrAlreadyProducing, err)

	// webcam announcements reach the producer too
	require.NoError(t, m.Produced("episode/live", "conn-host", media.KindWebcam))
	require.Equal(t, 1, host.eventCount("stream/webcam"))
	require.Equal(t, 1, viewer.eventCount("stream/webcam"))

	// mic announcements skip the producer
	micID, err := m.Produce(ctx, "episode/live", "conn-host", media.KindMic, media.RTPParameters{})
	require.NoError(t, err)
	require.NotEmpty(t, micID)
	require.NoError(t, m.Produced("episode/live", "conn-host", media.KindMic))
	require.Equal(t, 0, host.eventCount("stream/mic"))
	require.Equal(t, 1, viewer.eventCount("stream/mic"))

	// a late joiner sees both streams in the join response
	late := newRecordingSink("conn-late")
	res, err := m.Join(ctx, late, "episode/live", "carol", "Carol", rtc.RoleViewer)
	require.NoError(t, err)
	require.Len(t, res.Streams[media.KindWebcam], 1)
	require.Len(t, res.Streams[media.KindMic], 1)
	require.Equal(t, camID, res.Streams[media.KindWebcam][0].ProducerID)
}

func TestManagerStreamCapacity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		connectionID := fmt.Sprintf("conn-%d", i)
		joinProducer(t, m, "episode/panel", connectionID, rtc.RoleGuest)
		_, err := m.Produce(ctx, "episode/panel", connectionID, media.KindMic, media.RTPParameters{})
		require.NoError(t, err)
	}

	joinProducer(t, m, "episode/panel", "conn-3", rtc.RoleGuest)
	_, err := m.Produce(ctx, "episode/panel", "conn-3", media.KindMic, media.RTPParameters{})
	require.Equal(t, media.ErrKindAtCapacity, err)

	// webcam capacity is tracked separately
	_, err = m.Produce(ctx, "episode/panel", "conn-3", media.KindWebcam, media.RTPParameters{})
	require.NoError(t, err)
}

func TestManagerChangeUserRole(t *testing.T) {
	m, worker := newTestManager(t)
	ctx := context.Background()

	host := joinProducer(t, m, "episode/roles", "conn-host", rtc.RoleHost)
	guest := joinProducer(t, m, "episode/roles", "conn-guest", rtc.RoleGuest)

	micID, err := m.Produce(ctx, "episode/roles", "conn-guest", media.KindMic, media.RTPParameters{})
	require.NoError(t, err)
	require.NotEmpty(t, micID)

	// only hosts may change roles
	err = m.ChangeUserRole(ctx, "episode/roles", "conn-guest", "conn-host", rtc.RoleViewer)
	require.Equal(t, rtc.ErrNotAHost, err)

	// host is not an assignable role
	err = m.ChangeUserRole(ctx, "episode/roles", "conn-host", "conn-guest", rtc.RoleHost)
	require.Equal(t, rtc.ErrInvalidRole, err)

	require.NoError(t, m.ChangeUserRole(ctx, "episode/roles", "conn-host", "conn-guest", rtc.RoleViewer))

	// demoting tears down the target's producers before the roster update
	require.Equal(t, 1, worker.requestCount(media.MethodCloseProducer))
	require.Equal(t, 1, host.eventCount(EventProducerClose))
	require.Equal(t, 1, guest.eventCount(EventProducerClose))

	router, ok := m.Registry().Get("episode/roles")
	require.True(t, ok)
	require.Equal(t, 0, router.StreamCount(media.KindMic))

	// the demoted participant can produce again later
	_, err = m.Produce(ctx, "episode/roles", "conn-guest", media.KindMic, media.RTPParameters{})
	require.NoError(t, err)
}

func TestManagerGuestRequest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	host := newRecordingSink("conn-host")
	_, err := m.Join(ctx, host, "episode/asks", "alice", "Alice", rtc.RoleHost)
	require.NoError(t, err)
	viewer := newRecordingSink("conn-viewer")
	_, err = m.Join(ctx, viewer, "episode/asks", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)

	require.NoError(t, m.RequestToJoinAsGuest("episode/asks", "conn-viewer"))
	require.Equal(t, rtc.ErrAlreadyRequestingGuest, m.RequestToJoinAsGuest("episode/asks", "conn-viewer"))

	// the request rides a roster broadcast
	require.Equal(t, 3, host.eventCount(EventRoomUsers))
}

func TestManagerLeave(t *testing.T) {
	m, worker := newTestManager(t)
	ctx := context.Background()

	joinProducer(t, m, "episode/leaving", "conn-host", rtc.RoleHost)
	viewer := newRecordingSink("conn-viewer")
	_, err := m.Join(ctx, viewer, "episode/leaving", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)

	_, err = m.Produce(ctx, "episode/leaving", "conn-host", media.KindWebcam, media.RTPParameters{})
	require.NoError(t, err)

	m.Leave(ctx, "episode/leaving", "conn-host")

	// departure closes the producer and announces both closures
	require.Equal(t, 1, worker.requestCount(media.MethodCloseProducer))
	require.Equal(t, 1, viewer.eventCount(EventProducerClose))
	router, ok := m.Registry().Get("episode/leaving")
	require.True(t, ok)
	require.Equal(t, 0, router.StreamCount(media.KindWebcam))

	// last one out closes room and router together
	m.Leave(ctx, "episode/leaving", "conn-viewer")
	require.Equal(t, 0, m.Registry().Count())
	require.Equal(t, 1, worker.requestCount(media.MethodCloseRouter))

	// leaving an unknown room must not panic and still releases transports
	m.Leave(ctx, "episode/leaving", "conn-viewer")
	m.Leave(ctx, "", "conn-stray")
}

func TestManagerEndRoom(t *testing.T) {
	m, worker := newTestManager(t)
	ctx := context.Background()

	joinProducer(t, m, "episode/finale", "conn-host", rtc.RoleHost)
	viewer := newRecordingSink("conn-viewer")
	_, err := m.Join(ctx, viewer, "episode/finale", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)

	// only a host can end the room
	require.Equal(t, rtc.ErrNotAHost, m.EndRoom(ctx, "episode/finale", "conn-viewer"))

	require.NoError(t, m.EndRoom(ctx, "episode/finale", "conn-host"))
	require.Equal(t, 1, viewer.eventCount(EventRoomEnded))
	require.Equal(t, 0, m.Registry().Count())

	// a rejoin after the end starts from scratch with a fresh router
	rejoin := newRecordingSink("conn-rejoin")
	res, err := m.Join(ctx, rejoin, "episode/finale", "carol", "Carol", rtc.RoleViewer)
	require.NoError(t, err)
	require.Len(t, res.Users, 1)
	require.Empty(t, res.Streams[media.KindWebcam])
	require.Equal(t, 2, worker.requestCount(media.MethodCreateRouter))
}

func TestManagerReapIdleRooms(t *testing.T) {
	m, worker := newTestManager(t)
	m.conf.Room.EmptyTimeout = time.Millisecond
	ctx := context.Background()

	// a room that never got a participant
	_, _, err := m.getOrCreateRoom(ctx, "episode/idle")
	require.NoError(t, err)

	// a room that lost its participant without a clean leave
	sink := newRecordingSink("conn-gone")
	_, err = m.Join(ctx, sink, "episode/abandoned", "alice", "Alice", rtc.RoleViewer)
	require.NoError(t, err)
	abandoned, _, err := m.roomAndRouter("episode/abandoned")
	require.NoError(t, err)
	abandoned.Remove("conn-gone")

	// an occupied room must survive the sweep
	_, err = m.Join(ctx, newRecordingSink("conn-here"), "episode/busy", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	m.reapIdleRooms()

	_, _, err = m.roomAndRouter("episode/idle")
	require.Equal(t, ErrRoomNotFound, err)
	_, _, err = m.roomAndRouter("episode/abandoned")
	require.Equal(t, ErrRoomNotFound, err)
	_, _, err = m.roomAndRouter("episode/busy")
	require.NoError(t, err)

	require.Equal(t, 1, m.Registry().Count())
	require.Equal(t, 2, worker.requestCount(media.MethodCloseRouter))
}

func TestManagerConsume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	joinProducer(t, m, "episode/watch", "conn-host", rtc.RoleHost)
	camID, err := m.Produce(ctx, "episode/watch", "conn-host", media.KindWebcam, media.RTPParameters{})
	require.NoError(t, err)

	viewer := newRecordingSink("conn-viewer")
	_, err = m.Join(ctx, viewer, "episode/watch", "bob", "Bob", rtc.RoleViewer)
	require.NoError(t, err)

	// consuming requires a recv transport
	_, err = m.Consume(ctx, "conn-viewer", camID)
	require.Equal(t, media.ErrTransportNotFound, err)

	_, err = m.CreateTransport(ctx, media.DirectionRecv, "conn-viewer", "episode/watch")
	require.NoError(t, err)

	info, err := m.Consume(ctx, "conn-viewer", camID)
	require.NoError(t, err)
	require.Equal(t, camID, info.ProducerID)
}

func TestManagerWatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	store := m.Store()
	require.NoError(t, store.StorePodcast(ctx, &Podcast{
		ID:    1,
		Name:  "Tech Talk",
		Hosts: []string{"alice"},
	}))
	require.NoError(t, store.StoreEpisode(ctx, &Episode{
		ID:        1,
		PodcastID: 1,
		Name:      "The Pilot",
	}))

	// host identity gets the host role
	host := newRecordingSink("conn-host")
	res, err := m.Watch(ctx, host, "tech-talk", "the-pilot", "alice", "Alice")
	require.NoError(t, err)
	require.NotNil(t, res.Podcast)
	require.NotNil(t, res.Episode)
	require.Equal(t, "episode/the-pilot", res.Episode.RoomID())
	require.Equal(t, rtc.RoleHost, res.Users["conn-host"].Role)

	// everyone else is a viewer
	viewer := newRecordingSink("conn-viewer")
	res, err = m.Watch(ctx, viewer, "tech-talk", "the-pilot", "bob", "Bob")
	require.NoError(t, err)
	require.Equal(t, rtc.RoleViewer, res.Users["conn-viewer"].Role)

	_, err = m.Watch(ctx, newRecordingSink("conn-x"), "no-such-podcast", "the-pilot", "bob", "Bob")
	require.Equal(t, ErrPodcastNotFound, err)
	_, err = m.Watch(ctx, newRecordingSink("conn-y"), "tech-talk", "no-such-episode", "bob", "Bob")
	require.Equal(t, ErrEpisodeNotFound, err)
}

func TestManagerEpisodeStart(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	store := m.Store()
	require.NoError(t, store.StorePodcast(ctx, &Podcast{
		ID:    1,
		Name:  "Tech Talk",
		Hosts: []string{"alice"},
	}))
	require.NoError(t, store.StoreEpisode(ctx, &Episode{
		ID:        1,
		PodcastID: 1,
		Name:      "The Pilot",
	}))

	_, _, err := m.EpisodeStart(ctx, "bob", 1, 1)
	require.Equal(t, ErrNotHostOfPodcast, err)

	_, episode, err := m.EpisodeStart(ctx, "alice", 1, 1)
	require.NoError(t, err)
	require.True(t, episode.IsLive)
}
