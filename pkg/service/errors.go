package service

import "errors"

var (
	ErrRoomNotFound      = errors.New("no room found by that id")
	ErrAlreadyInRoom     = errors.New("connection is already in another room")
	ErrPodcastNotFound   = errors.New("no podcast found by that urlName")
	ErrEpisodeNotFound   = errors.New("no episode found by that urlName")
	ErrNotHostOfPodcast  = errors.New("you are not a host of this podcast")
	ErrInvalidStreamKind = errors.New("stream type is invalid")
	ErrInvalidDirection  = errors.New("type must be send or recv")
)
