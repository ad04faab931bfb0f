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

package models

import (
	"strings"
	"time"
)

// Connectivity is a device's online/offline state as tracked by the core.
type Connectivity string

const (
	ConnectivityOnline  Connectivity = "Online"
	ConnectivityOffline Connectivity = "Offline"
)

// DeviceRecord is a registered device's registry entry. The device ID is the
// store path key; the record carries display attributes, the push token and
// arbitrary registration metadata. The registry is owned by the external
// store; the core only reads and augments it.
type DeviceRecord struct {
	Name      string                 `json:"name,omitempty"`
	Model     string                 `json:"model,omitempty"`
	PushToken string                 `json:"push_token,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PresenceRecord tracks a device's connectivity. Created on first connect or
// ping, updated on every accepted transition, never deleted.
type PresenceRecord struct {
	Connectivity Connectivity `json:"connectivity"`
	LastSeen     time.Time    `json:"last_seen"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DeviceView is one entry of the denormalized fleet view: a DeviceRecord
// joined with its PresenceRecord. Devices without a presence record show as
// Offline with a nil LastSeen.
type DeviceView struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	Model        string                 `json:"model,omitempty"`
	PushToken    string                 `json:"push_token,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Connectivity Connectivity           `json:"connectivity"`
	LastSeen     *time.Time             `json:"last_seen"`
}

// FleetView is a derived, read-only snapshot of the whole fleet. It is
// recomputed wholesale and replaced atomically, never partially mutated.
type FleetView struct {
	BuiltAt time.Time    `json:"built_at"`
	Devices []DeviceView `json:"devices"`
}

// SerialAssignment is a device's sequence number. Serial numbers are unique
// across all assignments and immutable once issued. Backfilled devices carry
// negative serials so they sort before every already-issued one.
type SerialAssignment struct {
	DeviceID   string    `json:"device_id"`
	SerialNo   int64     `json:"serial_no"`
	JoinedTime time.Time `json:"joined_time"`
	AssignedAt time.Time `json:"assigned_at"`
	Permanent  bool      `json:"permanent"`
}

// NormalizeDeviceID canonicalizes a device identifier: trimmed and
// upper-cased. Empty input stays empty.
func NormalizeDeviceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
