package rtc

import "errors"

var (
	ErrRoomClosed             = errors.New("room has already closed")
	ErrRoomFull               = errors.New("room is at max capacity")
	ErrAlreadyJoined          = errors.New("connection has already joined the room")
	ErrParticipantNotFound    = errors.New("no participant found for connection")
	ErrNotAHost               = errors.New("only a host may perform this operation")
	ErrInvalidRole            = errors.New("not a valid role")
	ErrAlreadyProducing       = errors.New("already producing a stream of that kind")
	ErrAlreadyRequestingGuest = errors.New("already requesting to join as a guest")
)
