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

import "time"

// Push message types delivered through the gateway.
const (
	PushTypeDeviceCommand = "DEVICE_COMMAND"
	PushTypeAdminUpdate   = "ADMIN_UPDATE"
	PushTypeCheckOnline   = "CHECK_ONLINE"
)

// CommandAction is one extracted command: the action verb plus the
// action-specific fields as they were written by the producer.
type CommandAction struct {
	Action string                 `json:"action"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// CommandRequest is the producer-facing command submission body.
type CommandRequest struct {
	DeviceID string `json:"uniqueid"`
	Action   string `json:"action"`
	To       string `json:"to,omitempty"`
	Body     string `json:"body,omitempty"`
	Code     string `json:"code,omitempty"`
	SimSlot  int    `json:"sim_slot,omitempty"`
}

// CheckOnlineRecord is a device's ping/reply record.
type CheckOnlineRecord struct {
	Available string    `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

// RestartRequest marks a pending restart for a device.
type RestartRequest struct {
	Requested bool      `json:"requested"`
	At        time.Time `json:"at"`
}

// ResetMarker records when a device's ping last reset its offline clock.
type ResetMarker struct {
	ResetAt  time.Time `json:"reset_at"`
	Readable string    `json:"readable,omitempty"`
}

// AdminBroadcast is the admin payload fanned out to the whole fleet when
// commandCenter/admin/main changes.
type AdminBroadcast struct {
	Number    string    `json:"number"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}
