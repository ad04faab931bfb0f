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

// Package ingest bridges device presence signals arriving over MQTT into
// the presence tracker. Devices that cannot hold a WebSocket open publish
// lightweight ping messages instead.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/models"
	"github.com/relaygrid/fleetsync/pkg/presence"
)

// DefaultTopic subscribes to every device's presence segment; the device id
// is the second topic level.
const DefaultTopic = "fleet/+/presence"

const disconnectQuiesce = 250 // ms

// pingMessage is the payload devices publish. An empty or undecodable
// payload counts as a plain ping.
type pingMessage struct {
	Event string `json:"event,omitempty"` // "ping", "connect" or "disconnect"
}

// MQTTBridge subscribes to the presence topic and feeds the tracker.
type MQTTBridge struct {
	client  mqtt.Client
	tracker *presence.Tracker
	topic   string
	logger  logger.Logger
}

// NewMQTTBridge connects to the broker and subscribes. The returned bridge
// stays subscribed until Close.
func NewMQTTBridge(cfg *models.MQTTConfig, tracker *presence.Tracker, log logger.Logger) (*MQTTBridge, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fleetsync-core"
	}

	b := &MQTTBridge{
		tracker: tracker,
		topic:   topic,
		logger:  log.WithComponent("mqtt-ingest"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.logger.Info().Str("broker", cfg.BrokerURL).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	if token := b.client.Subscribe(topic, 1, b.handleMessage); token.Wait() && token.Error() != nil {
		b.client.Disconnect(disconnectQuiesce)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	b.logger.Info().Str("topic", topic).Msg("Presence ingest subscribed")

	return b, nil
}

func (b *MQTTBridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	uid := deviceIDFromTopic(msg.Topic())
	if uid == "" {
		b.logger.Warn().Str("topic", msg.Topic()).Msg("Presence message without device id segment")
		return
	}

	var ping pingMessage

	if len(msg.Payload()) > 0 {
		_ = json.Unmarshal(msg.Payload(), &ping)
	}

	ctx := context.Background()

	switch ping.Event {
	case "connect":
		if err := b.tracker.SetOnline(ctx, uid); err != nil {
			b.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to record connect")
		}
	case "disconnect":
		if err := b.tracker.SetOffline(ctx, uid); err != nil {
			b.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to record disconnect")
		}
	default:
		if _, err := b.tracker.Ping(ctx, uid); err != nil {
			b.logger.Error().Err(err).Str("device_id", uid).Msg("Failed to record ping")
		}
	}
}

// Close unsubscribes and disconnects from the broker.
func (b *MQTTBridge) Close() {
	if token := b.client.Unsubscribe(b.topic); token.Wait() && token.Error() != nil {
		b.logger.Warn().Err(token.Error()).Msg("MQTT unsubscribe failed")
	}

	b.client.Disconnect(disconnectQuiesce)
}

// deviceIDFromTopic extracts the device id from "fleet/<id>/presence".
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}

	return models.NormalizeDeviceID(parts[1])
}
