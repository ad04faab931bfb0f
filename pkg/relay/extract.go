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

// Package relay observes newly written command envelopes and forwards them
// to devices through the push gateway.
package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/relaygrid/fleetsync/pkg/models"
)

// Extract parses a raw command envelope. An envelope is either a direct
// action object or a map of sub-entries keyed by producer-generated IDs; in
// the latter case the entry under the greatest key wins (producer IDs sort
// chronologically, so the greatest key is the most recently written entry).
// Returns nil when the envelope holds no usable action.
func Extract(raw []byte) (*models.CommandAction, error) {
	var envelope map[string]interface{}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode command envelope: %w", err)
	}

	if action := actionFrom(envelope); action != nil {
		return action, nil
	}

	keys := make([]string, 0, len(envelope))
	for k := range envelope {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for i := len(keys) - 1; i >= 0; i-- {
		nested, ok := envelope[keys[i]].(map[string]interface{})
		if !ok {
			continue
		}

		if action := actionFrom(nested); action != nil {
			return action, nil
		}
	}

	return nil, nil
}

// actionFrom returns the object as a CommandAction if it carries a
// non-empty action verb.
func actionFrom(obj map[string]interface{}) *models.CommandAction {
	verb, ok := obj["action"].(string)
	if !ok || verb == "" {
		return nil
	}

	fields := make(map[string]interface{}, len(obj)-1)

	for k, v := range obj {
		if k == "action" {
			continue
		}

		fields[k] = v
	}

	return &models.CommandAction{Action: verb, Fields: fields}
}

// stringifyPayload flattens command fields into the string-keyed,
// string-valued map the push gateway requires. Structured values are
// pre-serialized to JSON.
func stringifyPayload(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))

	for k, v := range fields {
		switch value := v.(type) {
		case string:
			out[k] = value
		case float64:
			out[k] = strconv.FormatFloat(value, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(value)
		case nil:
			out[k] = ""
		default:
			data, err := json.Marshal(value)
			if err != nil {
				continue
			}

			out[k] = string(data)
		}
	}

	return out
}
