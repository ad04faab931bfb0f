/*
 * Copyright 2026 Relaygrid, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaygrid/fleetsync/pkg/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBufferSize = 64
)

// Client is one connected observer. It implements fleet.Subscriber.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	deviceID string

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.New().String(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// SendDevicesLive implements fleet.Subscriber.
func (c *Client) SendDevicesLive(event models.DevicesLiveEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	frame, err := json.Marshal(wsEnvelope{Event: EventDevicesLive, Data: raw})
	if err != nil {
		return err
	}

	c.trySend(frame)

	return nil
}

// trySend queues a frame without blocking. Returns false if the client's
// buffer is full or the client is closed.
func (c *Client) trySend(frame []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) registeredDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deviceID
}

func (c *Client) setRegisteredDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deviceID = deviceID
}

// readPump consumes client messages until the connection drops, then
// unregisters the client. Disconnect is the implicit Offline signal for the
// client's registered device.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(context.WithoutCancel(ctx), c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client_id", c.id).Msg("Unexpected WebSocket close")
			}

			return
		}

		var envelope wsEnvelope

		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Ignoring malformed client message")
			continue
		}

		if envelope.Event == eventRegisterDevice {
			var deviceID string

			if err := json.Unmarshal(envelope.Data, &deviceID); err != nil {
				continue
			}

			c.hub.handleRegister(ctx, c, deviceID)
		}
	}
}

// writePump drains the send buffer to the connection and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
