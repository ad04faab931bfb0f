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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

// Snapshot-then-subscribe endpoints: each returns the current state of a
// device partition and arms a live watch that relays further updates to the
// WebSocket observers. Re-requesting replaces the previous watch, so a
// device detail view can be reopened without leaking subscriptions.

// handleDeviceReply serves the device's check-online reply and watches for
// subsequent replies.
func (s *APIServer) handleDeviceReply(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)
	path := models.PathCheckOnline + "/" + uid

	record, found, err := store.GetJSON[models.CheckOnlineRecord](r.Context(), s.store, path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	err = s.registry.Start(context.WithoutCancel(r.Context()), watch.KindReply, uid, path, func(ev store.Event) {
		update := models.WatchUpdateEvent{DeviceID: uid, Success: !ev.Deleted}

		if !ev.Deleted {
			var reply models.CheckOnlineRecord

			if err := json.Unmarshal(ev.Value, &reply); err != nil {
				s.logger.Warn().Err(err).Str("device_id", uid).Msg("Undecodable check-online reply")
				return
			}

			update.Data = reply
		}

		s.hub.BroadcastEvent(EventDeviceReply, update)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to start reply watch")
		s.writeError(w, http.StatusInternalServerError, "server error")

		return
	}

	body := response{Success: true}
	if found {
		body.Data = record
	}

	s.writeJSON(w, http.StatusOK, body)
}

// smsEntry is one delivery report, keyed by the device-generated sms id.
type smsEntry struct {
	SmsID  string                 `json:"sms_id"`
	Fields map[string]interface{} `json:"fields"`
}

func (s *APIServer) smsStatusList(ctx context.Context, uid string) ([]smsEntry, error) {
	nodes, err := s.store.GetAll(ctx, models.PathSmsStatus+"/"+uid)
	if err != nil {
		return nil, err
	}

	entries := make([]smsEntry, 0, len(nodes))

	for key, data := range nodes {
		var fields map[string]interface{}

		if err := json.Unmarshal(data, &fields); err != nil {
			continue
		}

		entries = append(entries, smsEntry{SmsID: lastSegment(key), Fields: fields})
	}

	// Newest report first.
	sort.Slice(entries, func(i, j int) bool {
		return numField(entries[i].Fields, "at") > numField(entries[j].Fields, "at")
	})

	return entries, nil
}

// handleSmsStatus serves the device's SMS delivery reports and watches the
// partition for new ones. Report writes arrive per sms id, so the watch
// re-reads the whole partition to keep the pushed list ordered.
func (s *APIServer) handleSmsStatus(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)

	entries, err := s.smsStatusList(r.Context(), uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	watchCtx := context.WithoutCancel(r.Context())
	pattern := models.PathSmsStatus + "/" + uid + "/*"

	err = s.registry.Start(watchCtx, watch.KindSmsStatus, uid, pattern, func(store.Event) {
		list, err := s.smsStatusList(watchCtx, uid)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", uid).Msg("Failed to reload sms status list")
			return
		}

		s.hub.BroadcastEvent(EventSmsStatusUpdate, models.WatchUpdateEvent{
			DeviceID: uid,
			Success:  true,
			Data:     list,
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to start sms status watch")
		s.writeError(w, http.StatusInternalServerError, "server error")

		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(entries), Data: entries})
}

// simEntry is one SIM forwarding state, keyed by slot.
type simEntry struct {
	Slot   string                 `json:"slot"`
	Fields map[string]interface{} `json:"fields"`
}

func (s *APIServer) simForwardList(ctx context.Context, uid string) ([]simEntry, error) {
	nodes, err := s.store.GetAll(ctx, models.PathSimForward+"/"+uid)
	if err != nil {
		return nil, err
	}

	entries := make([]simEntry, 0, len(nodes))

	for key, data := range nodes {
		var fields map[string]interface{}

		if err := json.Unmarshal(data, &fields); err != nil {
			continue
		}

		entries = append(entries, simEntry{Slot: lastSegment(key), Fields: fields})
	}

	sort.Slice(entries, func(i, j int) bool {
		return numField(entries[i].Fields, "updatedAt") > numField(entries[j].Fields, "updatedAt")
	})

	return entries, nil
}

// handleSimForward serves the device's SIM forwarding states and watches the
// partition for changes.
func (s *APIServer) handleSimForward(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)

	entries, err := s.simForwardList(r.Context(), uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	watchCtx := context.WithoutCancel(r.Context())
	pattern := models.PathSimForward + "/" + uid + "/*"

	err = s.registry.Start(watchCtx, watch.KindSimForward, uid, pattern, func(store.Event) {
		list, err := s.simForwardList(watchCtx, uid)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", uid).Msg("Failed to reload sim forward list")
			return
		}

		s.hub.BroadcastEvent(EventSimForwardUpdate, models.WatchUpdateEvent{
			DeviceID: uid,
			Success:  true,
			Data:     list,
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to start sim forward watch")
		s.writeError(w, http.StatusInternalServerError, "server error")

		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(entries), Data: entries})
}

func lastSegment(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}

	return path
}

func numField(fields map[string]interface{}, key string) float64 {
	if v, ok := fields[key].(float64); ok {
		return v
	}

	return 0
}
