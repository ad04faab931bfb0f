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

package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

// Watch kinds owned by the relay. Each is a singleton subscription.
const (
	kindCommands    watch.Kind = "commands"
	kindAdmin       watch.Kind = "admin"
	kindCheckOnline watch.Kind = "check_online"

	rootKey = "root"
)

// Pinger feeds check-online pings into the presence state machine.
type Pinger interface {
	Ping(ctx context.Context, deviceID string) (bool, error)
}

// Relay observes command envelopes, admin updates and check-online pings,
// and forwards them as high-priority push messages. Delivery is
// at-most-once-attempted: gateway failures are logged, never retried, and
// never surfaced to the command's author.
type Relay struct {
	store    store.Store
	registry *watch.Registry
	gateway  PushGateway
	pinger   Pinger
	logger   logger.Logger
	now      func() time.Time
}

// NewRelay creates a Relay. The pinger may be nil if check-online handling
// is not wanted.
func NewRelay(s store.Store, registry *watch.Registry, gateway PushGateway, pinger Pinger, log logger.Logger) *Relay {
	return &Relay{
		store:    s,
		registry: registry,
		gateway:  gateway,
		pinger:   pinger,
		logger:   log,
		now:      time.Now,
	}
}

// Start registers the relay's store watches. They stay live until ctx is
// canceled or the registry is stopped.
func (r *Relay) Start(ctx context.Context) error {
	err := r.registry.Start(ctx, kindCommands, rootKey, models.PathCommands+"/*", func(event store.Event) {
		r.handleCommand(ctx, event)
	})
	if err != nil {
		return err
	}

	err = r.registry.Start(ctx, kindAdmin, rootKey, models.PathAdmin, func(event store.Event) {
		r.handleAdmin(ctx, event)
	})
	if err != nil {
		return err
	}

	return r.registry.Start(ctx, kindCheckOnline, rootKey, models.PathCheckOnline+"/*", func(event store.Event) {
		r.handleCheckOnline(ctx, event)
	})
}

// handleCommand relays one command envelope write to the target device.
func (r *Relay) handleCommand(ctx context.Context, event store.Event) {
	if event.Deleted {
		return
	}

	deviceID := lastSegment(event.Path)

	action, err := Extract(event.Value)
	if err != nil {
		r.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Ignoring malformed command envelope")
		return
	}

	if action == nil {
		return
	}

	token, ok := r.resolveToken(ctx, deviceID)
	if !ok {
		// Expected condition, not an error: the command is dropped.
		r.logger.Info().
			Str("device_id", deviceID).
			Str("action", action.Action).
			Msg("No push token on file, command dropped")

		return
	}

	payload := stringifyPayload(action.Fields)
	payload["uniqueid"] = deviceID
	payload["action"] = action.Action

	if err := r.gateway.Send(ctx, token, models.PushTypeDeviceCommand, payload); err != nil {
		r.logger.Error().
			Err(err).
			Str("device_id", deviceID).
			Str("action", action.Action).
			Msg("Push send failed, command not retried")

		return
	}

	r.logger.Info().
		Str("device_id", deviceID).
		Str("action", action.Action).
		Msg("Command relayed")
}

// handleAdmin fans an admin update out to every device with a token.
func (r *Relay) handleAdmin(ctx context.Context, event store.Event) {
	if event.Deleted {
		return
	}

	var admin models.AdminBroadcast

	if err := json.Unmarshal(event.Value, &admin); err != nil {
		r.logger.Warn().Err(err).Msg("Ignoring malformed admin payload")
		return
	}

	devices, err := r.store.GetAll(ctx, models.PathDevices)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to read registry for admin fan-out")
		return
	}

	sent := 0

	for id, data := range devices {
		var record models.DeviceRecord

		if err := json.Unmarshal(data, &record); err != nil || record.PushToken == "" {
			continue
		}

		payload := map[string]string{
			"deviceId": id,
			"number":   admin.Number,
			"status":   admin.Status,
		}

		if err := r.gateway.Send(ctx, record.PushToken, models.PushTypeAdminUpdate, payload); err != nil {
			r.logger.Error().Err(err).Str("device_id", id).Msg("Admin push send failed")
			continue
		}

		sent++
	}

	r.logger.Info().Int("sent", sent).Msg("Admin update fanned out")
}

// handleCheckOnline feeds a device's ping into the presence machine and, if
// the ping was accepted, resets the device's offline clock and acknowledges
// over push.
func (r *Relay) handleCheckOnline(ctx context.Context, event store.Event) {
	if event.Deleted {
		return
	}

	deviceID := lastSegment(event.Path)

	if r.pinger == nil {
		return
	}

	accepted, err := r.pinger.Ping(ctx, deviceID)
	if err != nil || !accepted {
		return
	}

	now := r.now()
	marker := models.ResetMarker{ResetAt: now, Readable: now.Format(time.RFC1123)}

	if err := store.SetJSON(ctx, r.store, models.PathResetMarkers+"/"+deviceID, marker); err != nil {
		r.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to write reset marker")
	}

	token, ok := r.resolveToken(ctx, deviceID)
	if !ok {
		return
	}

	var reply models.CheckOnlineRecord
	if err := json.Unmarshal(event.Value, &reply); err != nil || reply.Available == "" {
		reply.Available = "unknown"
	}

	checkedAt := ""
	if !reply.CheckedAt.IsZero() {
		checkedAt = reply.CheckedAt.Format(time.RFC3339)
	}

	payload := map[string]string{
		"uniqueid":  deviceID,
		"available": reply.Available,
		"checkedAt": checkedAt,
	}

	if err := r.gateway.Send(ctx, token, models.PushTypeCheckOnline, payload); err != nil {
		r.logger.Error().Err(err).Str("device_id", deviceID).Msg("Check-online push send failed")
	}
}

// resolveToken looks up the device's push token in the registry.
func (r *Relay) resolveToken(ctx context.Context, deviceID string) (string, bool) {
	record, found, err := store.GetJSON[models.DeviceRecord](ctx, r.store, models.PathDevices+"/"+deviceID)
	if err != nil {
		r.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to resolve push token")
		return "", false
	}

	if !found || record.PushToken == "" {
		return "", false
	}

	return record.PushToken, true
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}

	return path
}
