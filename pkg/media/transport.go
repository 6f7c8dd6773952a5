package media

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/leapcast/leap-server/pkg/logger"
)

// Transport is one directional media pipe between a connection and a router.
type Transport struct {
	id           string
	connectionID string
	direction    Direction
	router       *Router

	mu sync.Mutex
	// producer id -> kind, send transports only
	producers map[string]StreamKind
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Direction() Direction {
	return t.direction
}

func (t *Transport) Router() *Router {
	return t.router
}

func (t *Transport) ProducerIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.producers))
	for id := range t.producers {
		ids = append(ids, id)
	}
	return ids
}

// TransportManager owns the two connection-id-keyed transport maps and all
// worker-side producer/consumer allocation.
type TransportManager struct {
	registry *Registry

	mu   sync.RWMutex
	send map[string]*Transport
	recv map[string]*Transport
}

func NewTransportManager(registry *Registry) *TransportManager {
	return &TransportManager{
		registry: registry,
		send:     make(map[string]*Transport),
		recv:     make(map[string]*Transport),
	}
}

// Create allocates a worker-side transport of the requested direction for the
// connection. The room's router must already exist. A second live transport
// of the same direction for the same connection is rejected; the first must
// be closed before another can be created.
func (m *TransportManager) Create(ctx context.Context, direction Direction, connectionID, roomID string) (*TransportInfo, error) {
	router, ok := m.registry.Get(roomID)
	if !ok {
		return nil, ErrRouterNotFound
	}

	t := &Transport{
		id:           uuid.NewString(),
		connectionID: connectionID,
		direction:    direction,
		router:       router,
		producers:    make(map[string]StreamKind),
	}

	// reserve the slot before the worker round trip so concurrent creates
	// for the same connection and direction cannot both pass the check
	m.mu.Lock()
	if _, exists := m.transports(direction)[connectionID]; exists {
		m.mu.Unlock()
		return nil, ErrTransportExists
	}
	m.transports(direction)[connectionID] = t
	m.mu.Unlock()

	info := &TransportInfo{}
	err := router.Worker().Request(ctx, MethodCreateTransport, &CreateTransportRequest{
		RouterID:    router.ID(),
		TransportID: t.id,
		Direction:   direction,
	}, info)
	if err != nil {
		m.mu.Lock()
		delete(m.transports(direction), connectionID)
		m.mu.Unlock()
		return nil, err
	}

	logger.Debugw("transport created",
		"transportId", t.id, "direction", direction, "connectionId", connectionID, "roomId", roomID)
	return info, nil
}

// Connect completes the DTLS handshake on a previously created transport.
func (m *TransportManager) Connect(ctx context.Context, direction Direction, connectionID string, dtls DTLSParameters, ice *ICEParameters) error {
	t, ok := m.get(direction, connectionID)
	if !ok {
		return ErrTransportNotFound
	}

	return t.router.Worker().Request(ctx, MethodConnectTransport, &ConnectTransportRequest{
		TransportID:    t.id,
		DTLSParameters: dtls,
		ICEParameters:  ice,
	}, nil)
}

// Produce creates a producer on the connection's send transport and returns
// the server-generated producer id.
func (m *TransportManager) Produce(ctx context.Context, connectionID string, kind StreamKind, params RTPParameters) (string, error) {
	t, ok := m.get(DirectionSend, connectionID)
	if !ok {
		return "", ErrTransportNotFound
	}

	producerID := uuid.NewString()
	err := t.router.Worker().Request(ctx, MethodProduce, &ProduceRequest{
		TransportID:   t.id,
		ProducerID:    producerID,
		Kind:          kind,
		RTPParameters: params,
	}, nil)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.producers[producerID] = kind
	t.mu.Unlock()
	return producerID, nil
}

// Consume creates a consumer on the connection's recv transport bound to an
// existing producer.
func (m *TransportManager) Consume(ctx context.Context, connectionID, producerID string) (*ConsumerInfo, error) {
	t, ok := m.get(DirectionRecv, connectionID)
	if !ok {
		return nil, ErrTransportNotFound
	}

	info := &ConsumerInfo{}
	err := t.router.Worker().Request(ctx, MethodConsume, &ConsumeRequest{
		TransportID: t.id,
		ConsumerID:  uuid.NewString(),
		ProducerID:  producerID,
	}, info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// CloseProducer closes one producer on the connection's send transport.
func (m *TransportManager) CloseProducer(ctx context.Context, connectionID, producerID string) error {
	t, ok := m.get(DirectionSend, connectionID)
	if !ok {
		return ErrTransportNotFound
	}

	err := t.router.Worker().Request(ctx, MethodCloseProducer, &CloseProducerRequest{ProducerID: producerID}, nil)
	t.mu.Lock()
	delete(t.producers, producerID)
	t.mu.Unlock()
	return err
}

// ProducerIDs lists the active producers on the connection's send transport.
func (m *TransportManager) ProducerIDs(connectionID string) []string {
	t, ok := m.get(DirectionSend, connectionID)
	if !ok {
		return nil
	}
	return t.ProducerIDs()
}

// CloseConnection closes both of the connection's transports on their worker
// and returns the producer ids that died with the send transport, so the
// caller can clean up router stream lists and broadcast closures.
func (m *TransportManager) CloseConnection(ctx context.Context, connectionID string) []string {
	m.mu.Lock()
	send := m.send[connectionID]
	recv := m.recv[connectionID]
	delete(m.send, connectionID)
	delete(m.recv, connectionID)
	m.mu.Unlock()

	var producerIDs []string
	if send != nil {
		producerIDs = send.ProducerIDs()
		if err := send.router.Worker().Request(ctx, MethodCloseTransport, &CloseTransportRequest{TransportID: send.id}, nil); err != nil {
			logger.Warnw("could not close send transport", err, "connectionId", connectionID)
		}
	}
	if recv != nil {
		if err := recv.router.Worker().Request(ctx, MethodCloseTransport, &CloseTransportRequest{TransportID: recv.id}, nil); err != nil {
			logger.Warnw("could not close recv transport", err, "connectionId", connectionID)
		}
	}
	return producerIDs
}

func (m *TransportManager) get(direction Direction, connectionID string) (*Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports(direction)[connectionID]
	return t, ok
}

// callers must hold m.mu
func (m *TransportManager) transports(direction Direction) map[string]*Transport {
	if direction == DirectionSend {
		return m.send
	}
	return m.recv
}
