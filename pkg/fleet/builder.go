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

// Package fleet builds the denormalized fleet view and fans it out to
// connected observers.
package fleet

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
)

// Builder joins the device registry partition with the presence partition
// into one FleetView. Build is a pure function of current store state and is
// safe to call concurrently.
type Builder struct {
	store  store.Store
	logger logger.Logger
	now    func() time.Time
}

// NewBuilder creates a Builder on the given store.
func NewBuilder(s store.Store, log logger.Logger) *Builder {
	return &Builder{
		store:  s,
		logger: log,
		now:    time.Now,
	}
}

// Build reads both partitions and left-joins presence onto every registered
// device. Devices without a presence record default to Offline with a nil
// last-seen.
func (b *Builder) Build(ctx context.Context) (*models.FleetView, error) {
	devices, err := b.store.GetAll(ctx, models.PathDevices)
	if err != nil {
		return nil, err
	}

	statuses, err := b.store.GetAll(ctx, models.PathStatus)
	if err != nil {
		return nil, err
	}

	view := &models.FleetView{
		BuiltAt: b.now(),
		Devices: make([]models.DeviceView, 0, len(devices)),
	}

	for id, data := range devices {
		var record models.DeviceRecord

		if err := json.Unmarshal(data, &record); err != nil {
			b.logger.Warn().Err(err).Str("device_id", id).Msg("Skipping undecodable device record")
			continue
		}

		entry := models.DeviceView{
			ID:           id,
			Name:         record.Name,
			Model:        record.Model,
			PushToken:    record.PushToken,
			Metadata:     record.Metadata,
			Connectivity: models.ConnectivityOffline,
		}

		if raw, ok := statuses[id]; ok {
			var presence models.PresenceRecord

			if err := json.Unmarshal(raw, &presence); err != nil {
				b.logger.Warn().Err(err).Str("device_id", id).Msg("Ignoring undecodable presence record")
			} else {
				entry.Connectivity = presence.Connectivity
				if !presence.LastSeen.IsZero() {
					lastSeen := presence.LastSeen
					entry.LastSeen = &lastSeen
				}
			}
		}

		view.Devices = append(view.Devices, entry)
	}

	sort.Slice(view.Devices, func(i, j int) bool {
		return view.Devices[i].ID < view.Devices[j].ID
	})

	return view, nil
}
