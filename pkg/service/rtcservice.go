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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
	"github.com/leapcast/leap-server/pkg/rtc"
	"github.com/leapcast/leap-server/pkg/telemetry/prometheus"
)

// signaling methods
const (
	MethodEpisodeWatch     = "episode/watch"
	MethodEpisodeStart     = "episode/start"
	MethodRoomJoin         = "room/join"
	MethodRoomGuest        = "room/requestToJoinAsGuest"
	MethodRoomChangeRole   = "room/changeUserRole"
	MethodRoomEnd          = "room/end"
	MethodTransportCreate  = "transport/create"
	MethodTransportConnect = "transport/connect"
	MethodProduce          = "transport/produce"
	MethodProduced         = "transport/produced"
	MethodConsume          = "transport/consume"
)

// RTCService terminates each client's signaling websocket and dispatches its
// requests to the room manager. Identity arrives verified on the upgrade
// request; connections without one get an ephemeral guest identity.
type RTCService struct {
	manager  *RoomManager
	upgrader websocket.Upgrader
}

func NewRTCService(manager *RoomManager) *RTCService {
	s := &RTCService{
		manager:  manager,
		upgrader: websocket.Upgrader{},
	}

	// allow connections from any origin; access control happens upstream
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	return s
}

func (s *RTCService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.FormValue("identity")
	username := r.FormValue("username")
	if identity == "" {
		identity = fmt.Sprintf("guest-%s", uuid.NewString())
	}
	if username == "" {
		username = "guest"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error response
		logger.Warnw("could not upgrade to WS", err)
		return
	}

	sc := NewSignalConn(conn, uuid.NewString(), identity, username)
	logger.Infow("new client WS connected",
		"connectionId", sc.ConnectionID(), "identity", identity, "username", username)

	defer func() {
		s.manager.Leave(context.Background(), sc.RoomID(), sc.ConnectionID())
		_ = sc.Close()
		logger.Infow("WS connection closed", "connectionId", sc.ConnectionID())
	}()

	for {
		req, err := sc.ReadRequest()
		if err != nil {
			if !IsWebSocketCloseError(err) {
				logger.Warnw("error reading from websocket", err, "connectionId", sc.ConnectionID())
			}
			return
		}
		s.handleRequest(r.Context(), sc, req)
	}
}

func (s *RTCService) handleRequest(ctx context.Context, sc *SignalConn, req *SignalRequest) {
	data, err := s.dispatch(ctx, sc, req)
	prometheus.SignalRequest(req.Method, err == nil)
	if err != nil {
		logger.Debugw("signal request failed",
			"connectionId", sc.ConnectionID(), "method", req.Method, "error", err)
		_ = sc.WriteError(req.ID, err)
		return
	}
	_ = sc.WriteResponse(req.ID, data)
}

func (s *RTCService) dispatch(ctx context.Context, sc *SignalConn, req *SignalRequest) (interface{}, error) {
	switch req.Method {
	case MethodEpisodeWatch:
		var body struct {
			PodcastURLName string `json:"podcastUrlName"`
			EpisodeURLName string `json:"episodeUrlName"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if body.PodcastURLName == "" || body.EpisodeURLName == "" {
			return nil, fmt.Errorf("podcastUrlName and episodeUrlName are required")
		}
		res, err := s.manager.Watch(ctx, sc, body.PodcastURLName, body.EpisodeURLName, sc.Identity(), sc.Username())
		if err != nil {
			return nil, err
		}
		sc.SetRoomID(res.Episode.RoomID())
		return res, nil

	case MethodRoomJoin:
		var body struct {
			RoomID string `json:"roomId"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if body.RoomID == "" {
			return nil, fmt.Errorf("roomId is required")
		}
		res, err := s.manager.Join(ctx, sc, body.RoomID, sc.Identity(), sc.Username(), rtc.RoleViewer)
		if err != nil {
			return nil, err
		}
		sc.SetRoomID(body.RoomID)
		return res, nil

	case MethodRoomGuest:
		return nil, s.manager.RequestToJoinAsGuest(sc.RoomID(), sc.ConnectionID())

	case MethodRoomChangeRole:
		var body struct {
			ConnectionID string `json:"connectionId"`
			Role         string `json:"role"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if body.ConnectionID == "" {
			return nil, fmt.Errorf("connectionId is required")
		}
		return nil, s.manager.ChangeUserRole(ctx, sc.RoomID(), sc.ConnectionID(), body.ConnectionID, rtc.Role(body.Role))

	case MethodRoomEnd:
		return nil, s.manager.EndRoom(ctx, sc.RoomID(), sc.ConnectionID())

	case MethodEpisodeStart:
		var body struct {
			PodcastID int64 `json:"podcastId"`
			EpisodeID int64 `json:"episodeId"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		podcast, episode, err := s.manager.EpisodeStart(ctx, sc.Identity(), body.PodcastID, body.EpisodeID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"podcast": podcast, "episode": episode}, nil

	case MethodTransportCreate:
		var body struct {
			Type   media.Direction `json:"type"`
			RoomID string          `json:"roomId"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if !body.Type.Valid() {
			return nil, ErrInvalidDirection
		}
		info, err := s.manager.CreateTransport(ctx, body.Type, sc.ConnectionID(), body.RoomID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"transportOptions": info}, nil

	case MethodTransportConnect:
		var body struct {
			Type             media.Direction `json:"type"`
			TransportOptions struct {
				DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
				ICEParameters  *media.ICEParameters `json:"iceParameters"`
			} `json:"transportOptions"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if !body.Type.Valid() {
			return nil, ErrInvalidDirection
		}
		return nil, s.manager.ConnectTransport(ctx, body.Type, sc.ConnectionID(), body.TransportOptions.DTLSParameters, body.TransportOptions.ICEParameters)

	case MethodProduce:
		var body struct {
			Type            media.StreamKind `json:"type"`
			ProducerOptions struct {
				RTPParameters media.RTPParameters `json:"rtpParameters"`
			} `json:"producerOptions"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if !body.Type.Valid() {
			return nil, ErrInvalidStreamKind
		}
		producerID, err := s.manager.Produce(ctx, sc.RoomID(), sc.ConnectionID(), body.Type, body.ProducerOptions.RTPParameters)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": producerID}, nil

	case MethodProduced:
		var body struct {
			Type media.StreamKind `json:"type"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if !body.Type.Valid() {
			return nil, ErrInvalidStreamKind
		}
		return nil, s.manager.Produced(sc.RoomID(), sc.ConnectionID(), body.Type)

	case MethodConsume:
		var body struct {
			ConsumerOptions struct {
				ProducerID string `json:"producerId"`
			} `json:"consumerOptions"`
		}
		if err := parseBody(req.Data, &body); err != nil {
			return nil, err
		}
		if body.ConsumerOptions.ProducerID == "" {
			return nil, fmt.Errorf("producerId is required")
		}
		info, err := s.manager.Consume(ctx, sc.ConnectionID(), body.ConsumerOptions.ProducerID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"consumerOptions": info}, nil

	default:
		return nil, fmt.Errorf("unknown method %s", req.Method)
	}
}

func parseBody(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}
