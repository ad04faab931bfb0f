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

//go:generate mockgen -destination=mock_gateway.go -package=relay github.com/relaygrid/fleetsync/pkg/relay PushGateway

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relaygrid/fleetsync/pkg/logger"
)

// PushGateway delivers a high-priority push message to one device token.
// The payload is a flat string-keyed map; structured fields must be
// pre-serialized.
type PushGateway interface {
	Send(ctx context.Context, token, msgType string, payload map[string]string) error
}

// pushMessage is the wire form shared by the NATS gateway.
type pushMessage struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

// NatsGateway publishes push messages to a per-token NATS subject. Devices
// subscribe to <prefix>.<token>.
type NatsGateway struct {
	nc     *nats.Conn
	prefix string
	logger logger.Logger
}

// NewNatsGateway creates a gateway on an existing NATS connection.
func NewNatsGateway(nc *nats.Conn, prefix string, log logger.Logger) *NatsGateway {
	if prefix == "" {
		prefix = "fleet.push"
	}

	return &NatsGateway{
		nc:     nc,
		prefix: prefix,
		logger: log,
	}
}

func (g *NatsGateway) Send(_ context.Context, token, msgType string, payload map[string]string) error {
	body, err := json.Marshal(pushMessage{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode push message: %w", err)
	}

	msg := nats.NewMsg(g.prefix + "." + token)
	msg.Header.Set("Priority", "high")
	msg.Data = body

	if err := g.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish push message: %w", err)
	}

	g.logger.Debug().
		Str("type", msgType).
		Str("subject", msg.Subject).
		Msg("Push message published")

	return nil
}

// FCMGateway delivers push messages through the FCM HTTP v1 API with the
// high-priority Android hint.
type FCMGateway struct {
	endpoint  string
	authToken string
	client    *http.Client
	logger    logger.Logger
}

// NewFCMGateway creates an FCM gateway. The auth token is a pre-issued
// OAuth2 bearer token; token refresh is the deployment's concern.
func NewFCMGateway(endpoint, authToken string, log logger.Logger) *FCMGateway {
	return &FCMGateway{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    log,
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token   string            `json:"token"`
	Android fcmAndroid        `json:"android"`
	Data    map[string]string `json:"data"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

func (g *FCMGateway) Send(ctx context.Context, token, msgType string, payload map[string]string) error {
	data := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}

	data["type"] = msgType

	body, err := json.Marshal(fcmRequest{
		Message: fcmMessage{
			Token:   token,
			Android: fcmAndroid{Priority: "high"},
			Data:    data,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode FCM request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build FCM request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.authToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("FCM request failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("FCM rejected message: %s", resp.Status)
	}

	g.logger.Debug().
		Str("type", msgType).
		Int("status", resp.StatusCode).
		Msg("FCM message sent")

	return nil
}

// NopGateway drops every message. Used when no push backend is configured.
type NopGateway struct{}

func (NopGateway) Send(context.Context, string, string, map[string]string) error { return nil }

var (
	_ PushGateway = (*NatsGateway)(nil)
	_ PushGateway = (*FCMGateway)(nil)
	_ PushGateway = NopGateway{}
)
