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

// Store layout: the path roots the synchronization core reads, writes and
// watches.
const (
	PathDevices        = "registeredDevices"
	PathStatus         = "status"
	PathSerials        = "deviceSerials"
	PathCommands       = "commandCenter/deviceCommands"
	PathAdmin          = "commandCenter/admin/main"
	PathSmsStatus      = "commandCenter/smsStatus"
	PathSimForward     = "simForwardStatus"
	PathCheckOnline    = "checkOnline"
	PathResetMarkers   = "resetCollection"
	PathRestartMarkers = "restartCollection"
	PathCommandLog     = "commandLogs"
)
