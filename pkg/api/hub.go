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

// Package api exposes the core's observer and producer surfaces: the
// WebSocket broadcast channel and the HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaygrid/fleetsync/pkg/fleet"
	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/presence"
)

// Broadcast event names on the observer channel.
const (
	EventDevicesLive      = "devicesLive"
	EventDeviceStatus     = "deviceStatus"
	EventDeviceDeleted    = "deviceDeleted"
	EventSmsStatusUpdate  = "smsStatusUpdate"
	EventSimForwardUpdate = "simForwardUpdate"
	EventDeviceReply      = "deviceReplyUpdate"
	EventAdminUpdate      = "adminUpdate"

	// Client-to-core event.
	eventRegisterDevice = "registerDevice"
)

// wsEnvelope frames every message on the observer channel.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub maintains the set of connected observers and fans broadcast events
// out to all of them. It implements fleet.Broadcaster.
type Hub struct {
	logger      logger.Logger
	cors        models.CORSConfig
	coordinator *fleet.Coordinator
	tracker     *presence.Tracker

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates an empty hub. Bind must be called before serving.
func NewHub(log logger.Logger, cors models.CORSConfig) *Hub {
	return &Hub{
		logger:  log,
		cors:    cors,
		clients: make(map[*Client]bool),
	}
}

// Bind wires the coordinator and presence tracker. Called after the
// coordinator is created to avoid the construction cycle (the coordinator
// broadcasts through the hub).
func (h *Hub) Bind(coordinator *fleet.Coordinator, tracker *presence.Tracker) {
	h.coordinator = coordinator
	h.tracker = tracker
}

// ClientCount reports the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// BroadcastDevicesLive implements fleet.Broadcaster.
func (h *Hub) BroadcastDevicesLive(event models.DevicesLiveEvent) {
	h.BroadcastEvent(EventDevicesLive, event)
}

// BroadcastDeviceStatus implements fleet.Broadcaster.
func (h *Hub) BroadcastDeviceStatus(event models.DeviceStatusEvent) {
	h.BroadcastEvent(EventDeviceStatus, event)
}

// BroadcastEvent sends a named event to every connected observer. Slow
// consumers with a full send buffer drop the message rather than block the
// broadcast.
func (h *Hub) BroadcastEvent(name string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", name).Msg("Failed to encode broadcast event")
		return
	}

	frame, err := json.Marshal(wsEnvelope{Event: name, Data: raw})
	if err != nil {
		h.logger.Error().Err(err).Str("event", name).Msg("Failed to frame broadcast event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.trySend(frame) {
			h.logger.Warn().
				Str("client_id", client.id).
				Str("event", name).
				Msg("Dropped broadcast to slow client")
		}
	}
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}

	client := newClient(h, conn)

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.Info().
		Str("client_id", client.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("Observer connected")

	// The request context is canceled as soon as this handler returns, but
	// the pumps outlive it for the lifetime of the connection.
	ctx := context.WithoutCancel(r.Context())

	go client.writePump()
	go client.readPump(ctx)

	// New subscribers get the current cached snapshot immediately rather
	// than waiting for the next mutation.
	h.coordinator.OnSubscriberJoin(ctx, client)
}

// remove unregisters the client and marks its registered device Offline.
func (h *Hub) remove(ctx context.Context, client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}

	delete(h.clients, client)
	h.mu.Unlock()

	client.close()

	h.logger.Info().Str("client_id", client.id).Msg("Observer disconnected")

	if deviceID := client.registeredDevice(); deviceID != "" {
		if err := h.tracker.SetOffline(ctx, deviceID); err != nil {
			h.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to mark device offline on disconnect")
		}
	}
}

// handleRegister processes a client's registerDevice event.
func (h *Hub) handleRegister(ctx context.Context, client *Client, rawID string) {
	deviceID := models.NormalizeDeviceID(rawID)
	if deviceID == "" {
		return
	}

	client.setRegisteredDevice(deviceID)

	if err := h.tracker.SetOnline(ctx, deviceID); err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to mark device online on register")
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.cors.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	h.logger.Warn().Str("origin", origin).Msg("WebSocket origin not allowed")

	return false
}
