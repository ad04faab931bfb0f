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

package fleet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

// Broadcaster fans events out to every connected observer. Implemented by
// the WebSocket hub.
type Broadcaster interface {
	BroadcastDevicesLive(event models.DevicesLiveEvent)
	BroadcastDeviceStatus(event models.DeviceStatusEvent)
}

// Subscriber is a single connected observer.
type Subscriber interface {
	SendDevicesLive(event models.DevicesLiveEvent) error
}

// Coordinator holds the last fleet snapshot, recomputes it on every relevant
// trigger and fans it out. Refreshes serialize behind a mutex so two
// concurrent triggers cannot cache or broadcast an older view after a newer
// one; the atomic pointer lets readers take the snapshot without contending
// on that mutex.
//
// Rapid successive triggers are not coalesced: every trigger is a full
// rebuild and a full resend. Acceptable at this fleet's scale; larger fleets
// should debounce here.
type Coordinator struct {
	builder     *Builder
	broadcaster Broadcaster
	logger      logger.Logger

	refreshMu sync.Mutex
	snapshot  atomic.Pointer[models.FleetView]
}

// NewCoordinator creates a Coordinator fanning out through broadcaster.
func NewCoordinator(builder *Builder, broadcaster Broadcaster, log logger.Logger) *Coordinator {
	return &Coordinator{
		builder:     builder,
		broadcaster: broadcaster,
		logger:      log,
	}
}

// Start arms the watch on the device-registry partition, so externally
// written registry mutations (adds, edits, removals) rebuild and rebroadcast
// the fleet view like presence transitions do.
func (c *Coordinator) Start(ctx context.Context, registry *watch.Registry) error {
	return registry.Start(ctx, watch.KindRegistry, "root", models.PathDevices+"/*", func(store.Event) {
		c.Refresh(ctx, "registryChange")
	})
}

// Refresh rebuilds the snapshot, replaces the cached copy and emits it to
// every subscriber. A failed rebuild keeps the previous cache; observers
// simply stop receiving fresher data until the next successful trigger.
func (c *Coordinator) Refresh(ctx context.Context, reason string) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	view, err := c.builder.Build(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("reason", reason).Msg("Fleet snapshot rebuild failed")
		return
	}

	c.snapshot.Store(view)

	c.broadcaster.BroadcastDevicesLive(models.DevicesLiveEvent{
		Success: true,
		Reason:  reason,
		Count:   len(view.Devices),
		Data:    view.Devices,
	})

	c.logger.Debug().
		Str("reason", reason).
		Int("count", len(view.Devices)).
		Msg("Fleet snapshot broadcast")
}

// Snapshot returns the cached fleet view, or nil before the first refresh.
func (c *Coordinator) Snapshot() *models.FleetView {
	return c.snapshot.Load()
}

// OnSubscriberJoin immediately sends the current cached snapshot to the new
// subscriber. The cache is used as-is to minimize join latency; only before
// the first refresh is a fresh build attempted.
func (c *Coordinator) OnSubscriberJoin(ctx context.Context, sub Subscriber) {
	view := c.snapshot.Load()

	if view == nil {
		c.refreshMu.Lock()

		// Re-check under the lock; a concurrent refresh may have filled it.
		if view = c.snapshot.Load(); view == nil {
			built, err := c.builder.Build(ctx)
			if err != nil {
				c.refreshMu.Unlock()
				c.logger.Error().Err(err).Msg("Initial snapshot build failed for new subscriber")

				if err := sub.SendDevicesLive(models.DevicesLiveEvent{Success: false, Data: []models.DeviceView{}}); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to send empty snapshot to new subscriber")
				}

				return
			}

			c.snapshot.Store(built)
			view = built
		}

		c.refreshMu.Unlock()
	}

	if err := sub.SendDevicesLive(models.DevicesLiveEvent{
		Success: true,
		Count:   len(view.Devices),
		Data:    view.Devices,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send snapshot to new subscriber")
	}
}

// OnPresenceTransition emits the lightweight presence-only event and
// triggers a full refresh, mirroring a device's online/offline flip to every
// observer.
func (c *Coordinator) OnPresenceTransition(ctx context.Context, deviceID string, connectivity models.Connectivity, lastSeen time.Time) {
	ls := lastSeen
	c.broadcaster.BroadcastDeviceStatus(models.DeviceStatusEvent{
		ID:           deviceID,
		Connectivity: connectivity,
		LastSeen:     &ls,
	})

	var reason string

	if connectivity == models.ConnectivityOnline {
		reason = fmt.Sprintf("deviceOnline:%s", deviceID)
	} else {
		reason = fmt.Sprintf("deviceOffline:%s", deviceID)
	}

	c.Refresh(ctx, reason)
}
