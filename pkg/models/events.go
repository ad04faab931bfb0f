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

// DevicesLiveEvent is the full fleet snapshot broadcast to every observer.
type DevicesLiveEvent struct {
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Count   int          `json:"count"`
	Data    []DeviceView `json:"data"`
}

// DeviceStatusEvent is the lightweight presence-only broadcast emitted on a
// single device's transition.
type DeviceStatusEvent struct {
	ID           string       `json:"id"`
	Connectivity Connectivity `json:"connectivity"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`
}

// DeviceDeletedEvent is broadcast when a device is removed from the fleet.
type DeviceDeletedEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	DeletedBy string    `json:"deleted_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WatchUpdateEvent carries a per-device live watch payload (reply state,
// message status, forwarding status) to observers.
type WatchUpdateEvent struct {
	DeviceID string      `json:"uid"`
	Success  bool        `json:"success"`
	Data     interface{} `json:"data"`
}
