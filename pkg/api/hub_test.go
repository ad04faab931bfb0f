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
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
)

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope wsEnvelope
	require.NoError(t, json.Unmarshal(raw, &envelope))

	return envelope
}

// readUntil skips events until one with the wanted name arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) wsEnvelope {
	t.Helper()

	for i := 0; i < 10; i++ {
		envelope := readEnvelope(t, conn)
		if envelope.Event == event {
			return envelope
		}
	}

	t.Fatalf("never received %s", event)

	return wsEnvelope{}
}

func TestObserverGetsSnapshotOnJoin(t *testing.T) {
	ts := newTestServer(t)
	ts.seedDevice(t, "D1", models.DeviceRecord{Name: "alpha"})

	conn := dialWS(t, ts)

	envelope := readEnvelope(t, conn)
	assert.Equal(t, EventDevicesLive, envelope.Event)

	var event models.DevicesLiveEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	assert.True(t, event.Success)
	assert.Equal(t, 1, event.Count)
	assert.Equal(t, "D1", event.Data[0].ID)
	assert.Equal(t, models.ConnectivityOffline, event.Data[0].Connectivity)
}

func TestRegisterDeviceFlipsPresence(t *testing.T) {
	ts := newTestServer(t)
	ts.seedDevice(t, "D1", models.DeviceRecord{Name: "alpha"})

	conn := dialWS(t, ts)
	readEnvelope(t, conn) // join snapshot

	frame, err := json.Marshal(wsEnvelope{Event: eventRegisterDevice, Data: json.RawMessage(`"d1"`)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	envelope := readUntil(t, conn, EventDeviceStatus)

	var status models.DeviceStatusEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &status))
	assert.Equal(t, "D1", status.ID)
	assert.Equal(t, models.ConnectivityOnline, status.Connectivity)

	// The status flip also triggers a full snapshot rebroadcast.
	envelope = readUntil(t, conn, EventDevicesLive)

	var live models.DevicesLiveEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &live))
	assert.Equal(t, models.ConnectivityOnline, live.Data[0].Connectivity)
}

func TestDisconnectMarksDeviceOffline(t *testing.T) {
	ts := newTestServer(t)
	ts.seedDevice(t, "D1", models.DeviceRecord{Name: "alpha"})

	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	frame, err := json.Marshal(wsEnvelope{Event: eventRegisterDevice, Data: json.RawMessage(`"D1"`)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	readUntil(t, conn, EventDeviceStatus)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, found, err := ts.store.Get(context.Background(), models.PathStatus+"/D1")
		require.NoError(t, err)

		if found {
			var record models.PresenceRecord
			require.NoError(t, json.Unmarshal(raw, &record))

			if record.Connectivity == models.ConnectivityOffline {
				return
			}
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("device never went offline after disconnect")
}

// ctxStrictStore fails every operation whose context is already canceled,
// the way the NATS backend does.
type ctxStrictStore struct {
	*store.MemStore
}

func (s *ctxStrictStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	return s.MemStore.Get(ctx, path)
}

func (s *ctxStrictStore) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.MemStore.GetAll(ctx, prefix)
}

func (s *ctxStrictStore) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.MemStore.Set(ctx, path, value)
}

func (s *ctxStrictStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.MemStore.Update(ctx, path, partial)
}

// Register frames arrive long after the HTTP handler has returned and its
// request context has been canceled. The presence write must still land.
func TestRegisterDeviceOutlivesUpgradeHandler(t *testing.T) {
	ts := newTestServerWith(t, &ctxStrictStore{MemStore: store.NewMemStore()})
	ts.seedDevice(t, "D1", models.DeviceRecord{Name: "alpha"})

	conn := dialWS(t, ts)
	readEnvelope(t, conn) // join snapshot

	// Give net/http time to cancel the request context after ServeWS returns.
	time.Sleep(50 * time.Millisecond)

	frame, err := json.Marshal(wsEnvelope{Event: eventRegisterDevice, Data: json.RawMessage(`"D1"`)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	envelope := readUntil(t, conn, EventDeviceStatus)

	var status models.DeviceStatusEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &status))
	assert.Equal(t, "D1", status.ID)
	assert.Equal(t, models.ConnectivityOnline, status.Connectivity)

	raw, found, err := ts.store.Get(context.Background(), models.PathStatus+"/D1")
	require.NoError(t, err)
	require.True(t, found)

	var record models.PresenceRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, models.ConnectivityOnline, record.Connectivity)
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	ts := newTestServer(t)

	first := dialWS(t, ts)
	second := dialWS(t, ts)
	readEnvelope(t, first)
	readEnvelope(t, second)

	ts.hub.BroadcastEvent(EventDeviceDeleted, models.DeviceDeletedEvent{ID: "D9"})

	for _, conn := range []*websocket.Conn{first, second} {
		envelope := readUntil(t, conn, EventDeviceDeleted)

		var event models.DeviceDeletedEvent
		require.NoError(t, json.Unmarshal(envelope.Data, &event))
		assert.Equal(t, "D9", event.ID)
	}
}
