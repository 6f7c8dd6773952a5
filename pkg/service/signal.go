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
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

const (
	pingFrequency = 10 * time.Second
	pingTimeout   = 2 * time.Second
)

// SignalRequest is one client request frame.
type SignalRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type signalResponse struct {
	ID    uint64      `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type signalEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// SignalConn is one client's persistent signaling connection. Writes are
// serialized by a mutex so responses and broadcast events never interleave
// mid-frame and retain the order in which they were issued.
type SignalConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	id       string
	identity string
	username string
	roomID   atomic.String
}

func NewSignalConn(conn *websocket.Conn, id, identity, username string) *SignalConn {
	c := &SignalConn{
		conn:     conn,
		id:       id,
		identity: identity,
		username: username,
	}
	go c.pingWorker()
	return c
}

func (c *SignalConn) ConnectionID() string {
	return c.id
}

func (c *SignalConn) Identity() string {
	return c.identity
}

func (c *SignalConn) Username() string {
	return c.username
}

func (c *SignalConn) RoomID() string {
	return c.roomID.Load()
}

func (c *SignalConn) SetRoomID(roomID string) {
	c.roomID.Store(roomID)
}

func (c *SignalConn) Close() error {
	return c.conn.Close()
}

func (c *SignalConn) ReadRequest() (*SignalRequest, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		req := &SignalRequest{}
		if err = json.Unmarshal(payload, req); err != nil {
			return nil, err
		}
		return req, nil
	}
}

func (c *SignalConn) WriteResponse(id uint64, data interface{}) error {
	return c.writeJSON(&signalResponse{ID: id, OK: true, Data: data})
}

func (c *SignalConn) WriteError(id uint64, err error) error {
	return c.writeJSON(&signalResponse{ID: id, OK: false, Error: err.Error()})
}

// WriteEvent implements rtc.EventSink.
func (c *SignalConn) WriteEvent(event string, data interface{}) error {
	return c.writeJSON(&signalEvent{Event: event, Data: data})
}

func (c *SignalConn) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *SignalConn) pingWorker() {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for range ticker.C {
		err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout))
		if err != nil {
			return
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
