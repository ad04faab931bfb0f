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

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/store"
	"github.com/relaygrid/fleetsync/pkg/watch"
)

type fakePinger struct {
	accept bool
	pings  []string
}

func (p *fakePinger) Ping(_ context.Context, deviceID string) (bool, error) {
	p.pings = append(p.pings, deviceID)
	return p.accept, nil
}

func registerDevice(t *testing.T, s store.Store, id, token string) {
	t.Helper()

	record := models.DeviceRecord{Name: "device " + id, PushToken: token}
	require.NoError(t, store.SetJSON(context.Background(), s, models.PathDevices+"/"+id, record))
}

func startRelay(t *testing.T, s store.Store, gateway PushGateway, pinger Pinger) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := watch.NewRegistry(s, logger.NewTestLogger())
	t.Cleanup(registry.StopAll)

	r := NewRelay(s, registry, gateway, pinger, logger.NewTestLogger())
	require.NoError(t, r.Start(ctx))
}

func TestRelayForwardsCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)

	registerDevice(t, s, "D1", "tok-1")

	sent := make(chan map[string]string, 1)

	gateway.EXPECT().
		Send(gomock.Any(), "tok-1", models.PushTypeDeviceCommand, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ string, payload map[string]string) error {
			sent <- payload
			return nil
		})

	startRelay(t, s, gateway, nil)

	envelope := []byte(`{"action":"sms","to":"+1555","body":"hi"}`)
	require.NoError(t, s.Set(ctx, models.PathCommands+"/D1", envelope))

	select {
	case payload := <-sent:
		assert.Equal(t, "D1", payload["uniqueid"])
		assert.Equal(t, "sms", payload["action"])
		assert.Equal(t, "+1555", payload["to"])
		assert.Equal(t, "hi", payload["body"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a push send")
	}
}

func TestRelayPicksNewestNestedEntry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)

	registerDevice(t, s, "D1", "tok-1")

	sent := make(chan map[string]string, 1)

	gateway.EXPECT().
		Send(gomock.Any(), "tok-1", models.PushTypeDeviceCommand, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ string, payload map[string]string) error {
			sent <- payload
			return nil
		})

	startRelay(t, s, gateway, nil)

	envelope := []byte(`{"-Na1":{"action":"call","code":"*1"},"-Nb2":{"action":"sms","to":"+1555"}}`)
	require.NoError(t, s.Set(ctx, models.PathCommands+"/D1", envelope))

	select {
	case payload := <-sent:
		assert.Equal(t, "sms", payload["action"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a push send")
	}
}

func TestRelayDropsCommandWithoutToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)

	// Registered but never issued a push token; no Send expectation.
	registerDevice(t, s, "D1", "")

	startRelay(t, s, gateway, nil)

	require.NoError(t, s.Set(ctx, models.PathCommands+"/D1", []byte(`{"action":"sms","to":"+1555"}`)))
	require.NoError(t, s.Set(ctx, models.PathCommands+"/UNKNOWN", []byte(`{"action":"sms"}`)))

	time.Sleep(100 * time.Millisecond)
}

func TestRelayIgnoresDeletedEnvelopes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)

	registerDevice(t, s, "D1", "tok-1")

	sent := make(chan struct{}, 2)

	gateway.EXPECT().
		Send(gomock.Any(), "tok-1", models.PushTypeDeviceCommand, gomock.Any()).
		DoAndReturn(func(context.Context, string, string, map[string]string) error {
			sent <- struct{}{}
			return nil
		})

	startRelay(t, s, gateway, nil)

	require.NoError(t, s.Set(ctx, models.PathCommands+"/D1", []byte(`{"action":"sms"}`)))
	<-sent

	// Clearing the envelope must not trigger a second push.
	require.NoError(t, s.Remove(ctx, models.PathCommands+"/D1"))
	time.Sleep(100 * time.Millisecond)
}

func TestRelayAdminFanOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)

	registerDevice(t, s, "D1", "tok-1")
	registerDevice(t, s, "D2", "") // no token, skipped

	sent := make(chan map[string]string, 1)

	gateway.EXPECT().
		Send(gomock.Any(), "tok-1", models.PushTypeAdminUpdate, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ string, payload map[string]string) error {
			sent <- payload
			return nil
		})

	startRelay(t, s, gateway, nil)

	admin := models.AdminBroadcast{Number: "+1999", Status: "active"}
	require.NoError(t, store.SetJSON(ctx, s, models.PathAdmin, admin))

	select {
	case payload := <-sent:
		assert.Equal(t, "D1", payload["deviceId"])
		assert.Equal(t, "+1999", payload["number"])
		assert.Equal(t, "active", payload["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected an admin push")
	}
}

func TestRelayCheckOnlineAccepted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)
	pinger := &fakePinger{accept: true}

	registerDevice(t, s, "D1", "tok-1")

	sent := make(chan map[string]string, 1)

	gateway.EXPECT().
		Send(gomock.Any(), "tok-1", models.PushTypeCheckOnline, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ string, payload map[string]string) error {
			sent <- payload
			return nil
		})

	startRelay(t, s, gateway, pinger)

	reply := models.CheckOnlineRecord{Available: "Device is online", CheckedAt: time.Now()}
	require.NoError(t, store.SetJSON(ctx, s, models.PathCheckOnline+"/D1", reply))

	select {
	case payload := <-sent:
		assert.Equal(t, "D1", payload["uniqueid"])
		assert.Equal(t, "Device is online", payload["available"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a check-online ack push")
	}

	assert.Equal(t, []string{"D1"}, pinger.pings)

	// Accepted pings reset the device's offline clock.
	_, found, err := s.Get(ctx, models.PathResetMarkers+"/D1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRelayCheckOnlineZeroTimestampSendsEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)
	pinger := &fakePinger{accept: true}

	registerDevice(t, s, "D1", "tok-1")

	sent := make(chan map[string]string, 1)

	gateway.EXPECT().
		Send(gomock.Any(), "tok-1", models.PushTypeCheckOnline, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ string, payload map[string]string) error {
			sent <- payload
			return nil
		})

	startRelay(t, s, gateway, pinger)

	// A reply with no timestamp must not surface the zero time in the ack.
	require.NoError(t, s.Set(ctx, models.PathCheckOnline+"/D1", []byte(`{"available":"Device is online"}`)))

	select {
	case payload := <-sent:
		assert.Equal(t, "Device is online", payload["available"])
		assert.Empty(t, payload["checkedAt"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a check-online ack push")
	}
}

func TestRelayCheckOnlineDebounced(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemStore()
	gateway := NewMockPushGateway(ctrl)
	pinger := &fakePinger{accept: false}

	registerDevice(t, s, "D1", "tok-1")

	startRelay(t, s, gateway, pinger)

	reply := models.CheckOnlineRecord{Available: "Device is online", CheckedAt: time.Now()}
	require.NoError(t, store.SetJSON(ctx, s, models.PathCheckOnline+"/D1", reply))

	time.Sleep(100 * time.Millisecond)

	// Debounced: no ack push and no reset marker.
	_, found, err := s.Get(ctx, models.PathResetMarkers+"/D1")
	require.NoError(t, err)
	assert.False(t, found)
}
