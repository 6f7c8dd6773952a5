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
	"sync"
	"time"

	"github.com/leapcast/leap-server/pkg/config"
	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
	"github.com/leapcast/leap-server/pkg/rtc"
	"github.com/leapcast/leap-server/pkg/telemetry/prometheus"
)

const reapInterval = time.Minute

// broadcast events
const (
	EventRoomUsers     = "room/users"
	EventStreamPrefix  = "stream/"
	EventProducerClose = "producer/close"
	EventRoomEnded     = "room/ended"
)

// RoomManager owns every room and drives its lifecycle in lockstep with the
// router registry: a room and its router are created together on first join
// and torn down together when the room empties or a host ends it.
type RoomManager struct {
	conf       *config.Config
	registry   *media.Registry
	transports *media.TransportManager
	store      ObjectStore

	mu    sync.RWMutex
	rooms map[string]*rtc.Room

	done      chan struct{}
	closeOnce sync.Once
}

func NewRoomManager(conf *config.Config, pool *media.Pool, store ObjectStore) *RoomManager {
	registry := media.NewRegistry(pool, conf.Room.MaxStreamsPerKind)
	return &RoomManager{
		conf:       conf,
		registry:   registry,
		transports: media.NewTransportManager(registry),
		store:      store,
		rooms:      make(map[string]*rtc.Room),
		done:       make(chan struct{}),
	}
}

func (m *RoomManager) Registry() *media.Registry {
	return m.registry
}

func (m *RoomManager) Store() ObjectStore {
	return m.store
}

func (m *RoomManager) Start() {
	go m.reapWorker()
}

func (m *RoomManager) Stop() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// JoinResponse carries everything a client needs to begin negotiating media.
type JoinResponse struct {
	RouterRTPCapabilities media.RTPCapabilities                   `json:"routerRtpCapabilities"`
	Streams               map[media.StreamKind][]media.StreamInfo `json:"streams"`
	Users                 map[string]*rtc.Participant             `json:"users"`
	Podcast               *Podcast                                `json:"podcast,omitempty"`
	Episode               *Episode                                `json:"episode,omitempty"`
}

// Join performs the one-shot room entry: ensure router and room exist,
// capacity check, participant insert, roster broadcast.
//
// A connection belongs to at most one room. The signal layer tracks a single
// room per connection, so admitting a second join would leave the first
// room's participant behind after disconnect.
func (m *RoomManager) Join(ctx context.Context, sink rtc.EventSink, roomID, identity, username string, role rtc.Role) (*JoinResponse, error) {
	if current := m.roomOf(sink.ConnectionID()); current != "" && current != roomID {
		return nil, ErrAlreadyInRoom
	}

	room, router, err := m.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	room.Lock()
	defer room.Unlock()

	if err = room.Join(sink, rtc.NewParticipant(identity, username, role)); err != nil {
		return nil, err
	}
	prometheus.ParticipantJoined()
	logger.Infow("participant joined room",
		"roomId", roomID, "connectionId", sink.ConnectionID(), "identity", identity, "role", role)

	room.Broadcast(EventRoomUsers, room.Snapshot())

	return &JoinResponse{
		RouterRTPCapabilities: router.Capabilities(),
		Streams:               router.Streams(),
		Users:                 room.Snapshot(),
	}, nil
}

// Watch resolves a live episode by URL names and joins its room. The caller
// joins as host when their identity is on the podcast's host list, otherwise
// as viewer.
func (m *RoomManager) Watch(ctx context.Context, sink rtc.EventSink, podcastURLName, episodeURLName, identity, username string) (*JoinResponse, error) {
	podcast, err := m.store.LoadPodcastByURLName(ctx, podcastURLName)
	if err != nil {
		return nil, err
	}
	episode, err := m.store.LoadEpisodeByURLName(ctx, podcast.ID, episodeURLName)
	if err != nil {
		return nil, err
	}

	role := rtc.RoleViewer
	if podcast.IsHost(identity) {
		role = rtc.RoleHost
	}

	res, err := m.Join(ctx, sink, episode.RoomID(), identity, username, role)
	if err != nil {
		return nil, err
	}
	res.Podcast = podcast
	res.Episode = episode
	return res, nil
}

// RequestToJoinAsGuest flags the participant in the roster so hosts can see
// and act on the request.
func (m *RoomManager) RequestToJoinAsGuest(roomID, connectionID string) error {
	room, _, err := m.roomAndRouter(roomID)
	if err != nil {
		return err
	}

	room.Lock()
	defer room.Unlock()

	if err = room.SetRequestingGuest(connectionID); err != nil {
		return err
	}
	room.Broadcast(EventRoomUsers, room.Snapshot())
	return nil
}

// ChangeUserRole sets the target's role after tearing down every producer the
// target holds. Only hosts may change roles, and host itself is not an
// assignable role. The whole sequence runs under the room's operation lock,
// so concurrent role changes on the same room cannot interleave.
func (m *RoomManager) ChangeUserRole(ctx context.Context, roomID, requesterConnectionID, targetConnectionID string, role rtc.Role) error {
	if !role.Assignable() {
		return rtc.ErrInvalidRole
	}
	room, router, err := m.roomAndRouter(roomID)
	if err != nil {
		return err
	}

	room.Lock()
	defer room.Unlock()

	requester, ok := room.Get(requesterConnectionID)
	if !ok || requester.Role != rtc.RoleHost {
		return rtc.ErrNotAHost
	}
	if !room.Has(targetConnectionID) {
		return rtc.ErrParticipantNotFound
	}

	m.closeProducersLocked(ctx, room, router, targetConnectionID)

	if err = room.SetRole(targetConnectionID, role); err != nil {
		return err
	}
	logger.Infow("participant role changed",
		"roomId", roomID, "connectionId", targetConnectionID, "role", role)
	room.Broadcast(EventRoomUsers, room.Snapshot())
	return nil
}

// CreateTransport allocates a send or recv transport for the connection. The
// connection must have joined the room first, so transports cannot be opened
// around the room's capacity check.
func (m *RoomManager) CreateTransport(ctx context.Context, direction media.Direction, connectionID, roomID string) (*media.TransportInfo, error) {
	room, _, err := m.roomAndRouter(roomID)
	if err != nil {
		return nil, err
	}
	if !room.Has(connectionID) {
		return nil, rtc.ErrParticipantNotFound
	}
	return m.transports.Create(ctx, direction, connectionID, roomID)
}

// ConnectTransport completes the DTLS handshake for the connection's
// transport of the given direction.
func (m *RoomManager) ConnectTransport(ctx context.Context, direction media.Direction, connectionID string, dtls media.DTLSParameters, ice *media.ICEParameters) error {
	return m.transports.Connect(ctx, direction, connectionID, dtls, ice)
}

// Produce creates a producer for the connection and appends its stream to the
// router's list for the kind, enforcing both the one-producer-per-kind rule
// and the per-kind room capacity.
func (m *RoomManager) Produce(ctx context.Context, roomID, connectionID string, kind media.StreamKind, params media.RTPParameters) (string, error) {
	room, router, err := m.roomAndRouter(roomID)
	if err != nil {
		return "", err
	}

	room.Lock()
	defer room.Unlock()

	p, ok := room.Get(connectionID)
	if !ok {
		return "", rtc.ErrParticipantNotFound
	}
	if p.ProducerIDs[kind] != "" {
		return "", rtc.ErrAlreadyProducing
	}
	if router.StreamCount(kind) >= m.conf.Room.MaxStreamsPerKind {
		return "", media.ErrKindAtCapacity
	}

	producerID, err := m.transports.Produce(ctx, connectionID, kind, params)
	if err != nil {
		return "", err
	}

	if err = router.AddStream(kind, media.NewStreamInfo(producerID, connectionID)); err != nil {
		_ = m.transports.CloseProducer(ctx, connectionID, producerID)
		return "", err
	}
	if err = room.SetProducer(connectionID, kind, producerID); err != nil {
		return "", err
	}

	prometheus.ProducerCreated(string(kind))
	logger.Infow("producer created",
		"roomId", roomID, "connectionId", connectionID, "kind", kind, "producerId", producerID)
	return producerID, nil
}

// Produced announces the connection's stream of the given kind to the room:
// webcam streams to everyone including the producer, mic streams to everyone
// but the producer.
func (m *RoomManager) Produced(roomID, connectionID string, kind media.StreamKind) error {
	room, router, err := m.roomAndRouter(roomID)
	if err != nil {
		return err
	}

	room.Lock()
	defer room.Unlock()

	p, ok := room.Get(connectionID)
	if !ok {
		return rtc.ErrParticipantNotFound
	}
	stream, ok := router.FindStream(kind, p.ProducerIDs[kind])
	if !ok {
		return media.ErrStreamNotFound
	}

	if kind == media.KindWebcam {
		room.Broadcast(EventStreamPrefix+string(kind), stream)
	} else {
		room.BroadcastExcept(connectionID, EventStreamPrefix+string(kind), stream)
	}
	room.Broadcast(EventRoomUsers, room.Snapshot())
	return nil
}

// Consume creates a consumer on the connection's recv transport bound to the
// given producer.
func (m *RoomManager) Consume(ctx context.Context, connectionID, producerID string) (*media.ConsumerInfo, error) {
	info, err := m.transports.Consume(ctx, connectionID, producerID)
	if err != nil {
		return nil, err
	}
	prometheus.ConsumerCreated()
	return info, nil
}

// EpisodeStart flips a scheduled episode live. Only a host of the podcast may
// start it.
func (m *RoomManager) EpisodeStart(ctx context.Context, identity string, podcastID, episodeID int64) (*Podcast, *Episode, error) {
	podcast, err := m.store.LoadPodcast(ctx, podcastID)
	if err != nil {
		return nil, nil, err
	}
	if !podcast.IsHost(identity) {
		return nil, nil, ErrNotHostOfPodcast
	}
	if err = m.store.SetEpisodeLive(ctx, podcastID, episodeID, true); err != nil {
		return nil, nil, err
	}
	episode, err := m.store.LoadEpisode(ctx, podcastID, episodeID)
	if err != nil {
		return nil, nil, err
	}
	logger.Infow("episode started", "podcastId", podcastID, "episodeId", episodeID)
	return podcast, episode, nil
}

// EndRoom tears the whole room down on a host's request: broadcast the end,
// close every connection's transports, then close router and room so a later
// join creates them fresh.
func (m *RoomManager) EndRoom(ctx context.Context, roomID, requesterConnectionID string) error {
	room, router, err := m.roomAndRouter(roomID)
	if err != nil {
		return err
	}

	room.Lock()
	defer room.Unlock()

	requester, ok := room.Get(requesterConnectionID)
	if !ok || requester.Role != rtc.RoleHost {
		return rtc.ErrNotAHost
	}

	room.Broadcast(EventRoomEnded, nil)

	for _, connectionID := range room.ConnectionIDs() {
		m.transports.CloseConnection(ctx, connectionID)
		if p := room.Remove(connectionID); p != nil {
			prometheus.ParticipantLeft()
			for kind, id := range p.ProducerIDs {
				if id != "" {
					prometheus.ProducerClosed(string(kind))
				}
			}
		}
	}

	m.closeRoom(ctx, room, router)
	logger.Infow("room ended by host", "roomId", roomID, "connectionId", requesterConnectionID)
	return nil
}

// Leave handles a connection's departure, explicit or by disconnect: close
// its producers with per-producer close broadcasts, release its transports,
// drop it from the roster, and close the room when it was the last one out.
func (m *RoomManager) Leave(ctx context.Context, roomID, connectionID string) {
	if roomID == "" {
		m.transports.CloseConnection(ctx, connectionID)
		return
	}

	room, router, err := m.roomAndRouter(roomID)
	if err != nil {
		// room already gone, release any dangling transports
		m.transports.CloseConnection(ctx, connectionID)
		return
	}

	room.Lock()
	defer room.Unlock()

	if !room.Has(connectionID) {
		m.transports.CloseConnection(ctx, connectionID)
		return
	}

	m.closeProducersLocked(ctx, room, router, connectionID)
	m.transports.CloseConnection(ctx, connectionID)

	room.Remove(connectionID)
	prometheus.ParticipantLeft()
	logger.Infow("participant left room", "roomId", roomID, "connectionId", connectionID)

	room.Broadcast(EventRoomUsers, room.Snapshot())

	if room.IsEmpty() {
		m.closeRoom(ctx, room, router)
	}
}

// closeProducersLocked closes every producer the connection holds: worker
// side first, then the router's stream list, then one close broadcast per
// producer id. Callers must hold the room's operation lock.
func (m *RoomManager) closeProducersLocked(ctx context.Context, room *rtc.Room, router *media.Router, connectionID string) {
	p, ok := room.Get(connectionID)
	if !ok {
		return
	}

	for kind, producerID := range p.ProducerIDs {
		if producerID == "" {
			continue
		}
		if err := m.transports.CloseProducer(ctx, connectionID, producerID); err != nil {
			logger.Warnw("could not close producer on worker", err,
				"connectionId", connectionID, "producerId", producerID)
		}
		if !router.RemoveStreamByProducerID(producerID) {
			logger.Warnw("no stream found for producer", nil,
				"roomId", room.ID(), "producerId", producerID)
		}
		prometheus.ProducerClosed(string(kind))
		room.Broadcast(EventProducerClose, map[string]string{"producerId": producerID})
	}
	room.ClearProducers(connectionID)
}

func (m *RoomManager) getOrCreateRoom(ctx context.Context, roomID string) (*rtc.Room, *media.Router, error) {
	router, err := m.registry.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		room = rtc.NewRoom(roomID, m.conf.Room.MaxParticipants)
		m.rooms[roomID] = room
		prometheus.RoomStarted()
		logger.Infow("room started", "roomId", roomID)
	}
	m.mu.Unlock()
	return room, router, nil
}

// roomOf returns the id of the room the connection is currently in, if any.
func (m *RoomManager) roomOf(connectionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, room := range m.rooms {
		if room.Has(connectionID) {
			return id
		}
	}
	return ""
}

func (m *RoomManager) roomAndRouter(roomID string) (*rtc.Room, *media.Router, error) {
	m.mu.RLock()
	room := m.rooms[roomID]
	m.mu.RUnlock()
	router, ok := m.registry.Get(roomID)
	if room == nil || !ok {
		return nil, nil, ErrRoomNotFound
	}
	return room, router, nil
}

// closeRoom removes room and router together. Callers must hold the room's
// operation lock.
func (m *RoomManager) closeRoom(ctx context.Context, room *rtc.Room, router *media.Router) {
	room.Close()

	m.mu.Lock()
	delete(m.rooms, room.ID())
	m.mu.Unlock()

	if err := m.registry.Close(ctx, router.ID()); err != nil {
		logger.Warnw("could not close router", err, "roomId", room.ID())
	}
	prometheus.RoomEnded()
	logger.Infow("room closed", "roomId", room.ID())
}

// reapWorker closes rooms that have been empty longer than the configured
// timeout. Rooms normally close as the last participant leaves; this covers
// rooms that never got a participant or lost them without a clean leave.
func (m *RoomManager) reapWorker() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.reapIdleRooms()
		}
	}
}

func (m *RoomManager) reapIdleRooms() {
	m.mu.RLock()
	rooms := make([]*rtc.Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	for _, room := range rooms {
		emptySince := room.EmptySince()
		if emptySince.IsZero() || time.Since(emptySince) < m.conf.Room.EmptyTimeout {
			continue
		}
		router, ok := m.registry.Get(room.ID())
		if !ok {
			continue
		}
		room.Lock()
		if room.IsEmpty() && !room.IsClosed() {
			logger.Infow("reaping idle room", "roomId", room.ID())
			m.closeRoom(context.Background(), room, router)
		}
		room.Unlock()
	}
}
