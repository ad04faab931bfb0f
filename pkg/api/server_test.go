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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/fleetsync/pkg/fleet"
	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/presence"
	"github.com/relaygrid/fleetsync/pkg/serial"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

type testServer struct {
	srv   *httptest.Server
	store store.Store
	hub   *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	return newTestServerWith(t, store.NewMemStore())
}

func newTestServerWith(t *testing.T, s store.Store) *testServer {
	t.Helper()

	log := logger.NewTestLogger()

	hub := NewHub(log, models.CORSConfig{})
	builder := fleet.NewBuilder(s, log)
	coordinator := fleet.NewCoordinator(builder, hub, log)
	tracker := presence.NewTracker(s, log, coordinator.OnPresenceTransition)
	hub.Bind(coordinator, tracker)

	registry := watch.NewRegistry(s, log)
	t.Cleanup(registry.StopAll)

	alloc := serial.NewAllocator(s, log)
	api := NewAPIServer(s, alloc, registry, hub, coordinator, log)

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: s, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, response) {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return resp, out
}

func (ts *testServer) seedDevice(t *testing.T, id string, record models.DeviceRecord) {
	t.Helper()
	require.NoError(t, store.SetJSON(context.Background(), ts.store, models.PathDevices+"/"+id, record))
}

func TestGetDevicesListsFleet(t *testing.T) {
	ts := newTestServer(t)
	ts.seedDevice(t, "D1", models.DeviceRecord{Name: "alpha"})
	ts.seedDevice(t, "D2", models.DeviceRecord{Name: "beta"})

	resp, body := ts.do(t, http.MethodGet, "/api/devices", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Count)
}

func TestAllocateSerialEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/serials", allocateRequest{DeviceID: "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, body.Success)

	data, err := json.Marshal(body.Data)
	require.NoError(t, err)

	var out allocateResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, int64(1), out.SerialNo)
	assert.True(t, out.IsNew)

	// Idempotent re-request.
	_, body = ts.do(t, http.MethodPost, "/api/serials", allocateRequest{DeviceID: "D1"})
	data, err = json.Marshal(body.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, int64(1), out.SerialNo)
	assert.False(t, out.IsNew)
}

func TestAllocateSerialRequiresID(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/serials", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, body.Success)
}

func TestBackfillEndpoint(t *testing.T) {
	ts := newTestServer(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	resp, body := ts.do(t, http.MethodPost, "/api/serials/backfill", backfillRequest{
		Devices: []serial.BackfillDevice{
			{DeviceID: "OLD2", JoinedTime: base.Add(time.Hour)},
			{DeviceID: "OLD1", JoinedTime: base},
		},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Count)
}

func TestSubmitCommandWritesEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/commands", models.CommandRequest{
		DeviceID: "d1",
		Action:   "sms",
		To:       "+1555",
		Body:     "hi",
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	assert.Contains(t, body.Message, "sms")

	raw, found, err := ts.store.Get(context.Background(), models.PathCommands+"/D1")
	require.NoError(t, err)
	require.True(t, found)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "sms", envelope["action"])
	assert.Equal(t, "+1555", envelope["to"])
	assert.Equal(t, "hi", envelope["body"])

	// Every submission leaves an audit entry.
	logs, err := ts.store.GetAll(context.Background(), models.PathCommandLog)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSubmitCommandRejectsMissingAction(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/commands", models.CommandRequest{DeviceID: "D1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteDeviceClearsPartitions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.seedDevice(t, "D1", models.DeviceRecord{Name: "alpha"})
	require.NoError(t, ts.store.Set(ctx, models.PathStatus+"/D1", []byte(`{}`)))
	require.NoError(t, ts.store.Set(ctx, models.PathCommands+"/D1", []byte(`{}`)))

	resp, body := ts.do(t, http.MethodDelete, "/api/devices/D1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)

	for _, path := range []string{
		models.PathDevices + "/D1",
		models.PathStatus + "/D1",
		models.PathCommands + "/D1",
	} {
		_, found, err := ts.store.Get(ctx, path)
		require.NoError(t, err)
		assert.False(t, found, "expected %s to be gone", path)
	}
}

func TestDeleteUnknownDevice(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodDelete, "/api/devices/GHOST", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckOnlineRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/check/D1", map[string]string{"available": "Device is online"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := ts.do(t, http.MethodGet, "/api/check/D1", nil)
	require.True(t, body.Success)

	data, err := json.Marshal(body.Data)
	require.NoError(t, err)

	var record models.CheckOnlineRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "Device is online", record.Available)
}

func TestActiveDevicesFiltersStaleAndOffline(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	fresh := models.CheckOnlineRecord{Available: "Device is online", CheckedAt: time.Now()}
	stale := models.CheckOnlineRecord{Available: "Device is online", CheckedAt: time.Now().Add(-time.Hour)}
	off := models.CheckOnlineRecord{Available: "unreachable", CheckedAt: time.Now()}

	require.NoError(t, store.SetJSON(ctx, ts.store, models.PathCheckOnline+"/D1", fresh))
	require.NoError(t, store.SetJSON(ctx, ts.store, models.PathCheckOnline+"/D2", stale))
	require.NoError(t, store.SetJSON(ctx, ts.store, models.PathCheckOnline+"/D3", off))

	_, body := ts.do(t, http.MethodGet, "/api/check", nil)
	require.True(t, body.Success)
	assert.Equal(t, 1, body.Count)
}

func TestRestartMarkerRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/restart/D1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := ts.do(t, http.MethodGet, "/api/restart/D1", nil)
	require.True(t, body.Success)

	data, err := json.Marshal(body.Data)
	require.NoError(t, err)

	var req models.RestartRequest
	require.NoError(t, json.Unmarshal(data, &req))
	assert.True(t, req.Requested)
}

func TestSmsStatusSnapshotSorted(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for i, at := range []int64{100, 300, 200} {
		node := fmt.Sprintf("%s/D1/s%d", models.PathSmsStatus, i+1)
		require.NoError(t, store.SetJSON(ctx, ts.store, node, map[string]interface{}{"at": at, "state": "sent"}))
	}

	_, body := ts.do(t, http.MethodGet, "/api/device/D1/sms-status", nil)
	require.True(t, body.Success)
	require.Equal(t, 3, body.Count)

	data, err := json.Marshal(body.Data)
	require.NoError(t, err)

	var entries []smsEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Equal(t, "s2", entries[0].SmsID) // at=300 first
	assert.Equal(t, "s3", entries[1].SmsID)
	assert.Equal(t, "s1", entries[2].SmsID)
}

func TestGetSerialNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/serials/GHOST", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
