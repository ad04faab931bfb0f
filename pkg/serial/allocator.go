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

// Package serial assigns unique, ordered sequence numbers to devices on
// first sight, with retroactive backfill for devices that predate the
// allocator.
package serial

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
)

// BackfillDevice is one unassigned device handed to Backfill.
type BackfillDevice struct {
	DeviceID   string    `json:"device_id"`
	JoinedTime time.Time `json:"joined_time"`
}

// Allocator issues serial numbers backed by the store. Allocate and
// Backfill serialize behind a mutex, so two concurrent calls can never both
// observe the same current maximum and issue a duplicate.
type Allocator struct {
	store  store.Store
	logger logger.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewAllocator creates an Allocator on the given store.
func NewAllocator(s store.Store, log logger.Logger) *Allocator {
	return &Allocator{
		store:  s,
		logger: log,
		now:    time.Now,
	}
}

// Allocate returns the device's serial assignment, issuing max+1 on first
// sight. Allocation is idempotent: an existing assignment is returned
// unchanged with isNew=false.
func (a *Allocator) Allocate(ctx context.Context, deviceID string, joinedTime time.Time) (models.SerialAssignment, bool, error) {
	deviceID = models.NormalizeDeviceID(deviceID)

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.readAll(ctx)
	if err != nil {
		return models.SerialAssignment{}, false, err
	}

	for _, assignment := range existing {
		if assignment.DeviceID == deviceID {
			return assignment, false, nil
		}
	}

	var maxSerial int64

	for i, assignment := range existing {
		if i == 0 || assignment.SerialNo > maxSerial {
			maxSerial = assignment.SerialNo
		}
	}

	assignment := models.SerialAssignment{
		DeviceID:   deviceID,
		SerialNo:   maxSerial + 1,
		JoinedTime: joinedTime,
		AssignedAt: a.now(),
		Permanent:  true,
	}

	if err := a.persist(ctx, assignment); err != nil {
		return models.SerialAssignment{}, false, err
	}

	a.logger.Info().
		Str("device_id", deviceID).
		Int64("serial_no", assignment.SerialNo).
		Msg("Serial assigned")

	return assignment, true, nil
}

// Backfill assigns serials to devices that predate the allocator. The batch
// is sorted by join time, oldest first, and receives consecutive negative
// serials below the current minimum, so backfilled devices sort before every
// already-issued assignment without renumbering any of them. Devices that
// already hold an assignment are skipped.
func (a *Allocator) Backfill(ctx context.Context, devices []BackfillDevice) ([]models.SerialAssignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.readAll(ctx)
	if err != nil {
		return nil, err
	}

	assigned := make(map[string]bool, len(existing))

	var minSerial int64

	for i, assignment := range existing {
		assigned[assignment.DeviceID] = true

		if i == 0 || assignment.SerialNo < minSerial {
			minSerial = assignment.SerialNo
		}
	}

	if minSerial > 0 {
		minSerial = 0
	}

	batch := make([]BackfillDevice, 0, len(devices))
	seen := make(map[string]bool)

	for _, device := range devices {
		id := models.NormalizeDeviceID(device.DeviceID)
		if id == "" || assigned[id] || seen[id] {
			continue
		}

		seen[id] = true
		batch = append(batch, BackfillDevice{DeviceID: id, JoinedTime: device.JoinedTime})
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].JoinedTime.Before(batch[j].JoinedTime)
	})

	base := minSerial - int64(len(batch))
	out := make([]models.SerialAssignment, 0, len(batch))

	for i, device := range batch {
		assignment := models.SerialAssignment{
			DeviceID:   device.DeviceID,
			SerialNo:   base + int64(i),
			JoinedTime: device.JoinedTime,
			AssignedAt: a.now(),
			Permanent:  true,
		}

		if err := a.persist(ctx, assignment); err != nil {
			return out, err
		}

		out = append(out, assignment)
	}

	a.logger.Info().
		Int("count", len(out)).
		Int64("base", base).
		Msg("Backfill assigned")

	return out, nil
}

// Get returns a single device's assignment.
func (a *Allocator) Get(ctx context.Context, deviceID string) (*models.SerialAssignment, bool, error) {
	return store.GetJSON[models.SerialAssignment](ctx, a.store, a.path(models.NormalizeDeviceID(deviceID)))
}

// GetAll returns every assignment sorted by serial number ascending.
func (a *Allocator) GetAll(ctx context.Context) ([]models.SerialAssignment, error) {
	assignments, err := a.readAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].SerialNo < assignments[j].SerialNo
	})

	return assignments, nil
}

// GetLatest returns every assignment sorted by assignment time, newest
// first.
func (a *Allocator) GetLatest(ctx context.Context) ([]models.SerialAssignment, error) {
	assignments, err := a.readAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].AssignedAt.After(assignments[j].AssignedAt)
	})

	return assignments, nil
}

// Delete removes a device's assignment. Issued serials are otherwise
// immutable; deletion is the only way to retire one.
func (a *Allocator) Delete(ctx context.Context, deviceID string) error {
	return a.store.Remove(ctx, a.path(models.NormalizeDeviceID(deviceID)))
}

func (a *Allocator) path(deviceID string) string {
	return models.PathSerials + "/" + deviceID
}

func (a *Allocator) persist(ctx context.Context, assignment models.SerialAssignment) error {
	return store.SetJSON(ctx, a.store, a.path(assignment.DeviceID), assignment)
}

func (a *Allocator) readAll(ctx context.Context) ([]models.SerialAssignment, error) {
	nodes, err := a.store.GetAll(ctx, models.PathSerials)
	if err != nil {
		return nil, err
	}

	assignments := make([]models.SerialAssignment, 0, len(nodes))

	for id, data := range nodes {
		var assignment models.SerialAssignment

		if err := json.Unmarshal(data, &assignment); err != nil {
			a.logger.Warn().Err(err).Str("device_id", id).Msg("Skipping undecodable serial assignment")
			continue
		}

		if assignment.DeviceID == "" {
			assignment.DeviceID = id
		}

		assignments = append(assignments, assignment)
	}

	return assignments, nil
}
