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
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relaygrid/fleetsync/pkg/fleet"
	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/serial"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

// activeWindow bounds how old a check-online reply may be to still count a
// device as active.
const activeWindow = 15 * time.Minute

// response is the common HTTP reply envelope.
type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Count   int         `json:"count,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// APIServer exposes the HTTP surface: serial allocation, command
// submission, check-online and restart markers, per-device live watches and
// the WebSocket observer channel.
type APIServer struct {
	router      *mux.Router
	store       store.Store
	alloc       *serial.Allocator
	registry    *watch.Registry
	hub         *Hub
	coordinator *fleet.Coordinator
	logger      logger.Logger
}

// NewAPIServer wires the routes.
func NewAPIServer(s store.Store, alloc *serial.Allocator, registry *watch.Registry, hub *Hub, coordinator *fleet.Coordinator, log logger.Logger) *APIServer {
	srv := &APIServer{
		router:      mux.NewRouter(),
		store:       s,
		alloc:       alloc,
		registry:    registry,
		hub:         hub,
		coordinator: coordinator,
		logger:      log,
	}

	srv.routes()

	return srv
}

// Router returns the HTTP handler.
func (s *APIServer) Router() http.Handler {
	return s.router
}

func (s *APIServer) routes() {
	s.router.HandleFunc("/ws", s.hub.ServeWS)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices", s.handleGetDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uid}", s.handleDeleteDevice).Methods(http.MethodDelete)

	api.HandleFunc("/serials", s.handleAllocateSerial).Methods(http.MethodPost)
	api.HandleFunc("/serials", s.handleGetSerials).Methods(http.MethodGet)
	api.HandleFunc("/serials/backfill", s.handleBackfillSerials).Methods(http.MethodPost)
	api.HandleFunc("/serials/latest", s.handleGetLatestSerials).Methods(http.MethodGet)
	api.HandleFunc("/serials/{uid}", s.handleGetSerial).Methods(http.MethodGet)
	api.HandleFunc("/serials/{uid}", s.handleDeleteSerial).Methods(http.MethodDelete)

	api.HandleFunc("/commands", s.handleSubmitCommand).Methods(http.MethodPost)

	api.HandleFunc("/check", s.handleGetActiveDevices).Methods(http.MethodGet)
	api.HandleFunc("/check/{uid}", s.handleSetCheckOnline).Methods(http.MethodPost)
	api.HandleFunc("/check/{uid}", s.handleGetCheckOnline).Methods(http.MethodGet)

	api.HandleFunc("/restart/{uid}", s.handleSetRestart).Methods(http.MethodPost)
	api.HandleFunc("/restart/{uid}", s.handleGetRestart).Methods(http.MethodGet)

	api.HandleFunc("/device/{uid}/reply", s.handleDeviceReply).Methods(http.MethodGet)
	api.HandleFunc("/device/{uid}/sms-status", s.handleSmsStatus).Methods(http.MethodGet)
	api.HandleFunc("/device/{uid}/sim-forward", s.handleSimForward).Methods(http.MethodGet)
	api.HandleFunc("/device/{uid}/watches", s.handleStopWatches).Methods(http.MethodDelete)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, response{Success: false, Message: message})
}

func deviceIDVar(r *http.Request) string {
	return models.NormalizeDeviceID(mux.Vars(r)["uid"])
}

// handleGetDevices returns the cached fleet view, falling back to a fresh
// build before the first refresh.
func (s *APIServer) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	view := s.coordinator.Snapshot()

	if view == nil {
		s.coordinator.Refresh(r.Context(), "api")
		view = s.coordinator.Snapshot()
	}

	if view == nil {
		s.writeJSON(w, http.StatusOK, response{Success: true, Data: []models.DeviceView{}})
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(view.Devices), Data: view.Devices})
}

// handleDeleteDevice removes a device from every partition it appears in.
func (s *APIServer) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "device uid required")
		return
	}

	record, found, err := store.GetJSON[models.DeviceRecord](r.Context(), s.store, models.PathDevices+"/"+uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if !found {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	for _, kind := range []watch.Kind{watch.KindReply, watch.KindSmsStatus, watch.KindSimForward} {
		s.registry.Stop(kind, uid)
	}

	paths := []string{
		models.PathDevices + "/" + uid,
		models.PathStatus + "/" + uid,
		models.PathCommands + "/" + uid,
		models.PathCheckOnline + "/" + uid,
		models.PathResetMarkers + "/" + uid,
		models.PathRestartMarkers + "/" + uid,
	}

	for _, path := range paths {
		if err := s.store.Remove(r.Context(), path); err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("Failed to remove device node")
		}
	}

	s.hub.BroadcastEvent(EventDeviceDeleted, models.DeviceDeletedEvent{
		ID:        uid,
		Name:      record.Name,
		Timestamp: time.Now(),
	})

	s.coordinator.Refresh(r.Context(), "deviceDeleted:"+uid)

	s.writeJSON(w, http.StatusOK, response{Success: true, Message: "device deleted"})
}

type allocateRequest struct {
	DeviceID   string     `json:"id"`
	JoinedTime *time.Time `json:"joined_time,omitempty"`
}

type allocateResponse struct {
	SerialNo int64 `json:"serial_no"`
	IsNew    bool  `json:"is_new"`
}

func (s *APIServer) handleAllocateSerial(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || models.NormalizeDeviceID(req.DeviceID) == "" {
		s.writeError(w, http.StatusBadRequest, "id required")
		return
	}

	joined := time.Now()
	if req.JoinedTime != nil {
		joined = *req.JoinedTime
	}

	assignment, isNew, err := s.alloc.Allocate(r.Context(), req.DeviceID, joined)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("Serial allocation failed")
		s.writeError(w, http.StatusInternalServerError, "server error")

		return
	}

	s.writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    allocateResponse{SerialNo: assignment.SerialNo, IsNew: isNew},
	})
}

type backfillRequest struct {
	Devices []serial.BackfillDevice `json:"devices"`
}

func (s *APIServer) handleBackfillSerials(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	assignments, err := s.alloc.Backfill(r.Context(), req.Devices)
	if err != nil {
		s.logger.Error().Err(err).Msg("Serial backfill failed")
		s.writeError(w, http.StatusInternalServerError, "server error")

		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(assignments), Data: assignments})
}

func (s *APIServer) handleGetSerials(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.alloc.GetAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(assignments), Data: assignments})
}

func (s *APIServer) handleGetLatestSerials(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.alloc.GetLatest(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(assignments), Data: assignments})
}

func (s *APIServer) handleGetSerial(w http.ResponseWriter, r *http.Request) {
	assignment, found, err := s.alloc.Get(r.Context(), deviceIDVar(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if !found {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Data: assignment})
}

func (s *APIServer) handleDeleteSerial(w http.ResponseWriter, r *http.Request) {
	if err := s.alloc.Delete(r.Context(), deviceIDVar(r)); err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Message: "serial deleted"})
}

// handleSubmitCommand writes a command envelope; the relay picks it up from
// the store watch. There is no synchronous delivery acknowledgment.
func (s *APIServer) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req models.CommandRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	uid := models.NormalizeDeviceID(req.DeviceID)
	if uid == "" || req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "missing action or uniqueid")
		return
	}

	command := map[string]interface{}{
		"action":    req.Action,
		"timestamp": time.Now().UnixMilli(),
	}

	switch req.Action {
	case "sms":
		command["to"] = req.To
		command["body"] = req.Body
	case "call", "ussd":
		command["code"] = req.Code
	}

	if req.SimSlot != 0 {
		command["simSlot"] = req.SimSlot
	}

	if err := store.SetJSON(r.Context(), s.store, models.PathCommands+"/"+uid, command); err != nil {
		s.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to write command envelope")
		s.writeError(w, http.StatusInternalServerError, "server error")

		return
	}

	logEntry := map[string]interface{}{"uniqueid": uid}
	for k, v := range command {
		logEntry[k] = v
	}

	if err := store.SetJSON(r.Context(), s.store, models.PathCommandLog+"/"+uuid.New().String(), logEntry); err != nil {
		s.logger.Warn().Err(err).Str("device_id", uid).Msg("Failed to write command log entry")
	}

	s.writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: req.Action + " command sent",
		Data:    command,
	})
}

func (s *APIServer) handleSetCheckOnline(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)

	var body struct {
		Available string `json:"available"`
	}

	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.Available == "" {
		body.Available = "checking"
	}

	record := models.CheckOnlineRecord{Available: body.Available, CheckedAt: time.Now()}

	if err := store.SetJSON(r.Context(), s.store, models.PathCheckOnline+"/"+uid, record); err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Message: "check online updated", Data: record})
}

func (s *APIServer) handleGetCheckOnline(w http.ResponseWriter, r *http.Request) {
	record, found, err := store.GetJSON[models.CheckOnlineRecord](r.Context(), s.store, models.PathCheckOnline+"/"+deviceIDVar(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if !found {
		s.writeJSON(w, http.StatusOK, response{Success: true})
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Data: record})
}

type activeDevice struct {
	DeviceID  string    `json:"uid"`
	Available string    `json:"available"`
	LastSeen  time.Time `json:"last_seen"`
}

// handleGetActiveDevices lists devices whose check-online reply both reads
// online and is recent.
func (s *APIServer) handleGetActiveDevices(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.GetAll(r.Context(), models.PathCheckOnline)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	cutoff := time.Now().Add(-activeWindow)
	active := make([]activeDevice, 0, len(nodes))

	for uid, data := range nodes {
		var record models.CheckOnlineRecord

		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}

		isOnline := strings.Contains(strings.ToLower(record.Available), "device is online")
		if !isOnline || record.CheckedAt.Before(cutoff) {
			continue
		}

		active = append(active, activeDevice{
			DeviceID:  uid,
			Available: record.Available,
			LastSeen:  record.CheckedAt,
		})
	}

	sort.Slice(active, func(i, j int) bool { return active[i].DeviceID < active[j].DeviceID })

	s.writeJSON(w, http.StatusOK, response{Success: true, Count: len(active), Data: active})
}

func (s *APIServer) handleSetRestart(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)
	request := models.RestartRequest{Requested: true, At: time.Now()}

	if err := store.SetJSON(r.Context(), s.store, models.PathRestartMarkers+"/"+uid, request); err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Data: request})
}

func (s *APIServer) handleGetRestart(w http.ResponseWriter, r *http.Request) {
	request, found, err := store.GetJSON[models.RestartRequest](r.Context(), s.store, models.PathRestartMarkers+"/"+deviceIDVar(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if !found {
		s.writeJSON(w, http.StatusOK, response{Success: true})
		return
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Data: request})
}

// handleStopWatches cancels a device's live watches, e.g. when an operator
// closes the device detail view.
func (s *APIServer) handleStopWatches(w http.ResponseWriter, r *http.Request) {
	uid := deviceIDVar(r)

	for _, kind := range []watch.Kind{watch.KindReply, watch.KindSmsStatus, watch.KindSimForward} {
		s.registry.Stop(kind, uid)
	}

	s.writeJSON(w, http.StatusOK, response{Success: true, Message: "watches stopped"})
}
