package media

import "errors"

var (
	ErrRouterNotFound    = errors.New("no router found for room")
	ErrRouterClosed      = errors.New("router has been closed")
	ErrKindAtCapacity    = errors.New("max streams of that kind reached in room")
	ErrStreamNotFound    = errors.New("no stream found for producer")
	ErrTransportNotFound = errors.New("no transport of that direction found for connection")
	ErrTransportExists   = errors.New("a transport of that direction already exists for connection")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrWorkerClosed      = errors.New("worker has exited")
)
