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
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so configs can carry values like "5s".
type Duration time.Duration

func (d Duration) Value() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}

		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}

	return nil
}

// StoreConfig selects and configures the hierarchical store backend.
type StoreConfig struct {
	Backend string `json:"backend"` // "nats" or "memory"
	NatsURL string `json:"nats_url,omitempty"`
	Bucket  string `json:"bucket,omitempty"`
}

// PushConfig selects and configures the push gateway.
type PushConfig struct {
	Backend       string `json:"backend"` // "nats", "fcm" or "none"
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	FCMEndpoint   string `json:"fcm_endpoint,omitempty"`
	FCMAuthToken  string `json:"fcm_auth_token,omitempty"`
}

// MQTTConfig configures the optional presence ping ingest bridge.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url,omitempty"`
	Topic     string `json:"topic,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// CORSConfig lists origins allowed to open WebSocket connections.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// CoreConfig is the top-level service configuration.
type CoreConfig struct {
	ListenAddr       string        `json:"listen_addr"`
	Store            StoreConfig   `json:"store"`
	Push             PushConfig    `json:"push"`
	MQTT             MQTTConfig    `json:"mqtt,omitempty"`
	CORS             CORSConfig    `json:"cors,omitempty"`
	PresenceCooldown Duration      `json:"presence_cooldown,omitempty"`
	Logging          *LoggerConfig `json:"logging,omitempty"`
}

// LoggerConfig mirrors logger.Config so the service config file can carry
// logging settings without importing the logger package.
type LoggerConfig struct {
	Level      string `json:"level,omitempty"`
	Debug      bool   `json:"debug,omitempty"`
	Output     string `json:"output,omitempty"`
	TimeFormat string `json:"time_format,omitempty"`
}

func (c *CoreConfig) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}

	switch c.Store.Backend {
	case "", "memory":
		c.Store.Backend = "memory"
	case "nats":
		if c.Store.NatsURL == "" {
			return fmt.Errorf("store.nats_url required for nats backend")
		}

		if c.Store.Bucket == "" {
			c.Store.Bucket = "fleetsync"
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Push.Backend {
	case "", "none":
		c.Push.Backend = "none"
	case "nats":
		if c.Push.SubjectPrefix == "" {
			c.Push.SubjectPrefix = "fleet.push"
		}
	case "fcm":
		if c.Push.FCMEndpoint == "" {
			return fmt.Errorf("push.fcm_endpoint required for fcm backend")
		}
	default:
		return fmt.Errorf("unknown push backend %q", c.Push.Backend)
	}

	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url required when mqtt is enabled")
	}

	if c.PresenceCooldown < 0 {
		return fmt.Errorf("presence_cooldown must not be negative")
	}

	return nil
}
