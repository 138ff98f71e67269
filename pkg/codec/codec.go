/*
 * Copyright (c) 2025, the asset-manager maintainers.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package codec frames SharedEvents and request/response envelopes for the
// text channel. Every frame is a UTF-8 string with one of two prefixes:
//
//	EVENT:<json>            fire-and-forget SharedEvent
//	REQUEST-RESPONSE:<json> {messageId, event} request or matching response
//
// The JSON body carries an eventType discriminator naming the concrete
// event struct.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/assetmesh/asset-manager/pkg/models"
)

const (
	// EventPrefix marks a fire-and-forget event frame
	EventPrefix = "EVENT:"
	// RequestResponsePrefix marks a correlated envelope frame
	RequestResponsePrefix = "REQUEST-RESPONSE:"
)

// ErrMalformedFrame indicates a frame that cannot be decoded. The connector
// treats it as a protocol violation: state ERROR, channel closed.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUnknownEventType indicates a well-formed frame whose discriminator is
// not recognised. Logged and dropped, never fatal.
var ErrUnknownEventType = errors.New("unknown event type")

// typedEvent is the wire shape of a SharedEvent: discriminator plus the
// event fields inlined.
type typedEvent struct {
	EventType models.EventType `json:"eventType"`
}

// EncodeEvent renders a SharedEvent into an EVENT: frame
func EncodeEvent(ev models.SharedEvent) (string, error) {
	body, err := marshalEvent(ev)
	if err != nil {
		return "", err
	}
	return EventPrefix + string(body), nil
}

// EncodeEnvelope renders an envelope into a REQUEST-RESPONSE: frame
func EncodeEnvelope(env *models.Envelope) (string, error) {
	body, err := marshalEvent(env.Event)
	if err != nil {
		return "", err
	}
	wire := struct {
		MessageID string          `json:"messageId"`
		Event     json.RawMessage `json:"event"`
	}{MessageID: env.MessageID, Event: body}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return RequestResponsePrefix + string(b), nil
}

// Frame is one decoded channel message: exactly one of Event or Envelope is
// set.
type Frame struct {
	Event    models.SharedEvent
	Envelope *models.Envelope
}

// Decode parses a channel message into a Frame
func Decode(frame string) (*Frame, error) {
	switch {
	case strings.HasPrefix(frame, EventPrefix):
		ev, err := unmarshalEvent([]byte(frame[len(EventPrefix):]))
		if err != nil {
			return nil, err
		}
		return &Frame{Event: ev}, nil

	case strings.HasPrefix(frame, RequestResponsePrefix):
		var wire struct {
			MessageID string          `json:"messageId"`
			Event     json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal([]byte(frame[len(RequestResponsePrefix):]), &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if wire.MessageID == "" {
			return nil, fmt.Errorf("%w: envelope missing messageId", ErrMalformedFrame)
		}
		ev, err := unmarshalEvent(wire.Event)
		if err != nil {
			return nil, err
		}
		return &Frame{Envelope: &models.Envelope{MessageID: wire.MessageID, Event: ev}}, nil

	default:
		return nil, fmt.Errorf("%w: unrecognised prefix", ErrMalformedFrame)
	}
}

func marshalEvent(ev models.SharedEvent) ([]byte, error) {
	switch e := ev.(type) {
	case *models.AttributeEvent:
		return json.Marshal(struct {
			typedEvent
			*models.AttributeEvent
		}{typedEvent{models.EventTypeAttribute}, e})
	case *models.AssetEvent:
		return json.Marshal(struct {
			typedEvent
			*models.AssetEvent
		}{typedEvent{models.EventTypeAsset}, e})
	case *models.GatewayDisconnectEvent:
		return json.Marshal(struct {
			typedEvent
			*models.GatewayDisconnectEvent
		}{typedEvent{models.EventTypeGatewayDisconnect}, e})
	case *models.ReadAssetsEvent:
		return json.Marshal(struct {
			typedEvent
			*models.ReadAssetsEvent
		}{typedEvent{models.EventTypeReadAssets}, e})
	case *models.AssetsEvent:
		return json.Marshal(struct {
			typedEvent
			*models.AssetsEvent
		}{typedEvent{models.EventTypeAssets}, e})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
}

func unmarshalEvent(body []byte) (models.SharedEvent, error) {
	var head typedEvent
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var ev models.SharedEvent
	switch head.EventType {
	case models.EventTypeAttribute:
		ev = &models.AttributeEvent{}
	case models.EventTypeAsset:
		ev = &models.AssetEvent{}
	case models.EventTypeGatewayDisconnect:
		ev = &models.GatewayDisconnectEvent{}
	case models.EventTypeReadAssets:
		ev = &models.ReadAssetsEvent{}
	case models.EventTypeAssets:
		ev = &models.AssetsEvent{}
	case "":
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, head.EventType)
	}

	if err := json.Unmarshal(body, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}
