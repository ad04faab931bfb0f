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

// Package presence converts connect, disconnect and ping signals into a
// stable online/offline state per device.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
)

// DefaultCooldown suppresses redundant Online re-entries from repeated
// pings for the same device within the window.
const DefaultCooldown = 5 * time.Second

// TransitionFunc is invoked after every durable presence transition.
type TransitionFunc func(ctx context.Context, deviceID string, connectivity models.Connectivity, lastSeen time.Time)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCooldown overrides the ping debounce window.
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.cooldown = d }
}

// Tracker is the presence state machine. A device with no presence record
// is Offline. Online is entered on connect or ping; Offline on disconnect.
// Every accepted transition writes a fresh PresenceRecord and fires the
// transition hook.
type Tracker struct {
	store        store.Store
	logger       logger.Logger
	cooldown     time.Duration
	now          func() time.Time
	onTransition TransitionFunc

	mu         sync.Mutex
	lastOnline map[string]time.Time
}

// NewTracker creates a Tracker writing presence records to the store.
func NewTracker(s store.Store, log logger.Logger, onTransition TransitionFunc, opts ...Option) *Tracker {
	t := &Tracker{
		store:        s,
		logger:       log,
		cooldown:     DefaultCooldown,
		now:          time.Now,
		onTransition: onTransition,
		lastOnline:   make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// SetOnline marks a device Online on a client connect-and-register event.
// Connect events are never debounced.
func (t *Tracker) SetOnline(ctx context.Context, deviceID string) error {
	return t.transition(ctx, deviceID, models.ConnectivityOnline)
}

// SetOffline marks a device Offline on disconnect.
func (t *Tracker) SetOffline(ctx context.Context, deviceID string) error {
	return t.transition(ctx, deviceID, models.ConnectivityOffline)
}

// Ping marks a device Online on a check-online ping. Pings inside the
// cooldown window after the last accepted Online entry are dropped before
// they reach the state machine; the boolean reports whether the ping was
// accepted.
func (t *Tracker) Ping(ctx context.Context, deviceID string) (bool, error) {
	deviceID = models.NormalizeDeviceID(deviceID)
	now := t.now()

	t.mu.Lock()
	if last, ok := t.lastOnline[deviceID]; ok && now.Sub(last) < t.cooldown {
		t.mu.Unlock()

		t.logger.Debug().
			Str("device_id", deviceID).
			Msg("Ping dropped inside cooldown window")

		return false, nil
	}
	t.mu.Unlock()

	if err := t.transition(ctx, deviceID, models.ConnectivityOnline); err != nil {
		return false, err
	}

	return true, nil
}

// transition writes the presence record and fires the hook. A failed store
// write leaves the transition not-yet-durable: the cooldown stamp is not
// advanced, so the next ping re-attempts.
func (t *Tracker) transition(ctx context.Context, deviceID string, connectivity models.Connectivity) error {
	deviceID = models.NormalizeDeviceID(deviceID)
	if deviceID == "" {
		return nil
	}

	now := t.now()
	record := models.PresenceRecord{
		Connectivity: connectivity,
		LastSeen:     now,
		UpdatedAt:    now,
	}

	if err := store.SetJSON(ctx, t.store, models.PathStatus+"/"+deviceID, record); err != nil {
		t.logger.Error().
			Err(err).
			Str("device_id", deviceID).
			Str("connectivity", string(connectivity)).
			Msg("Failed to write presence record")

		return err
	}

	t.mu.Lock()
	if connectivity == models.ConnectivityOnline {
		t.lastOnline[deviceID] = now
	} else {
		delete(t.lastOnline, deviceID)
	}
	t.mu.Unlock()

	t.logger.Info().
		Str("device_id", deviceID).
		Str("connectivity", string(connectivity)).
		Msg("Presence transition")

	if t.onTransition != nil {
		t.onTransition(ctx, deviceID, connectivity, now)
	}

	return nil
}

// Get reads a device's presence record. A missing record reports Offline.
func (t *Tracker) Get(ctx context.Context, deviceID string) (models.PresenceRecord, error) {
	record, found, err := store.GetJSON[models.PresenceRecord](ctx, t.store, models.PathStatus+"/"+models.NormalizeDeviceID(deviceID))
	if err != nil {
		return models.PresenceRecord{}, err
	}

	if !found {
		return models.PresenceRecord{Connectivity: models.ConnectivityOffline}, nil
	}

	return *record, nil
}
