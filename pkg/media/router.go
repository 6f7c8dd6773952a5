package media

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leapcast/leap-server/pkg/logger"
)

// StreamInfo describes one active producer stream as seen by clients.
type StreamInfo struct {
	ProducerID   string  `json:"producerId"`
	StartedAt    float64 `json:"startedAt"`
	IsPaused     bool    `json:"isPaused"`
	ConnectionID string  `json:"connectionId"`
}

// NewStreamInfo stamps a stream descriptor with the current time in seconds
// since epoch, matching the wire format clients expect.
func NewStreamInfo(producerID, connectionID string) *StreamInfo {
	return &StreamInfo{
		ProducerID:   producerID,
		StartedAt:    float64(time.Now().UnixMilli()) / 1000,
		ConnectionID: connectionID,
	}
}

// Router is the media-routing domain for exactly one room. It owns the
// ordered lists of active streams per kind and a reference to the worker
// doing the actual forwarding.
type Router struct {
	id     string
	worker Worker

	maxStreamsPerKind int

	mu      sync.Mutex
	streams map[StreamKind][]*StreamInfo
	closed  bool
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) Worker() Worker {
	return r.worker
}

func (r *Router) Capabilities() RTPCapabilities {
	return RouterCapabilities()
}

// AddStream appends a stream to its kind's list, enforcing the per-kind cap.
func (r *Router) AddStream(kind StreamKind, info *StreamInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	if len(r.streams[kind]) >= r.maxStreamsPerKind {
		return ErrKindAtCapacity
	}
	r.streams[kind] = append(r.streams[kind], info)
	return nil
}

// RemoveStreamByProducerID linear-scans every kind's list and removes the
// matching entry. Returns false when no entry matched; callers treat that as
// non-fatal.
func (r *Router) RemoveStreamByProducerID(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, list := range r.streams {
		for i, s := range list {
			if s.ProducerID == producerID {
				r.streams[kind] = append(list[:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// FindStream returns a copy of the stream descriptor for producerID.
func (r *Router) FindStream(kind StreamKind, producerID string) (StreamInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.streams[kind] {
		if s.ProducerID == producerID {
			return *s, true
		}
	}
	return StreamInfo{}, false
}

func (r *Router) StreamCount(kind StreamKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams[kind])
}

// Streams returns a deep copy of every kind's list, for handing to clients.
func (r *Router) Streams() map[StreamKind][]StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[StreamKind][]StreamInfo, len(r.streams))
	for kind, list := range r.streams {
		copied := make([]StreamInfo, 0, len(list))
		for _, s := range list {
			copied = append(copied, *s)
		}
		out[kind] = copied
	}
	return out
}

func (r *Router) close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return r.worker.Request(ctx, MethodCloseRouter, &CloseRouterRequest{RouterID: r.id}, nil)
}

// Registry tracks at most one router per room id.
type Registry struct {
	pool              *Pool
	maxStreamsPerKind int

	mu      sync.RWMutex
	routers map[string]*Router
	creates singleflight.Group
}

func NewRegistry(pool *Pool, maxStreamsPerKind int) *Registry {
	return &Registry{
		pool:              pool,
		maxStreamsPerKind: maxStreamsPerKind,
		routers:           make(map[string]*Router),
	}
}

func (reg *Registry) Get(roomID string) (*Router, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.routers[roomID]
	return r, ok
}

// GetOrCreate returns the room's router, creating it on a round-robin worker
// on first use. Near-simultaneous calls for the same unseen room id are
// collapsed into a single creation.
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (*Router, error) {
	if r, ok := reg.Get(roomID); ok {
		return r, nil
	}

	v, err, _ := reg.creates.Do(roomID, func() (interface{}, error) {
		if r, ok := reg.Get(roomID); ok {
			return r, nil
		}

		worker := reg.pool.Next()
		if err := worker.Request(ctx, MethodCreateRouter, &CreateRouterRequest{RouterID: roomID}, nil); err != nil {
			return nil, err
		}

		r := &Router{
			id:                roomID,
			worker:            worker,
			maxStreamsPerKind: reg.maxStreamsPerKind,
			streams:           make(map[StreamKind][]*StreamInfo, len(StreamKinds)),
		}
		for _, kind := range StreamKinds {
			r.streams[kind] = []*StreamInfo{}
		}

		reg.mu.Lock()
		reg.routers[roomID] = r
		reg.mu.Unlock()

		logger.Infow("router created", "roomId", roomID, "workerId", worker.ID())
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Router), nil
}

// Close tears down the room's router and removes it from the registry.
// Callers are responsible for also removing the matching room.
func (reg *Registry) Close(ctx context.Context, roomID string) error {
	reg.mu.Lock()
	r, ok := reg.routers[roomID]
	delete(reg.routers, roomID)
	reg.mu.Unlock()
	if !ok {
		return ErrRouterNotFound
	}

	if err := r.close(ctx); err != nil {
		logger.Warnw("could not close router on worker", err, "roomId", roomID)
	}
	logger.Infow("router closed", "roomId", roomID)
	return nil
}

func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.routers)
}
