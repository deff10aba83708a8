// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Transport is the delivery mechanism declared on an outgoing message
type Transport string

// all transports known to producers
const (
	TransportWS      Transport = "ws"
	TransportMQTT    Transport = "mqtt"
	TransportAuto    Transport = "auto"
	TransportPubSub  Transport = "pubsub"
	TransportSession Transport = "session"
	TransportEmail   Transport = "email"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (t *Transport) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = Transport(strings.ToLower(s))
	switch *t {
	case TransportWS, TransportMQTT, TransportAuto, TransportPubSub, TransportSession, TransportEmail:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Transport", s)
	}
}

// Content property names with a meaning for delivery
const (
	PropertyDeviceID    = "deviceId"
	PropertyAccountID   = "accountId"
	PropertyDomainID    = "domainId"
	PropertyChannel     = "channel"
	PropertyCredentials = "credentials"
	PropertyTransport   = "transport"
)

// Message is the unit of dispatch. It is created by a producer when a command
// or an alert is decided and consumed exactly once by one executor.
type Message struct {
	Transport Transport      `json:"transport"`
	Content   map[string]any `json:"content"`
	Channel   string         `json:"channel,omitempty"`
}

// Normalize returns a copy of the message where accountId and domainId are
// interchangeable: if one of them is missing, it is copied from the other.
// The producer's content map is not modified.
func (m Message) Normalize() Message {
	content := make(map[string]any, len(m.Content)+1)
	for k, v := range m.Content {
		content[k] = v
	}
	_, hasAccount := content[PropertyAccountID]
	_, hasDomain := content[PropertyDomainID]
	switch {
	case hasAccount && !hasDomain:
		content[PropertyDomainID] = content[PropertyAccountID]
	case hasDomain && !hasAccount:
		content[PropertyAccountID] = content[PropertyDomainID]
	}
	m.Content = content
	return m
}

// DeviceID returns the recipient identifier, or an empty string
func (m Message) DeviceID() string {
	return stringProperty(m.Content, PropertyDeviceID)
}

// AccountID returns the owning account, falling back to the domain
func (m Message) AccountID() string {
	if s := stringProperty(m.Content, PropertyAccountID); s != "" {
		return s
	}
	return stringProperty(m.Content, PropertyDomainID)
}

// DeviceChannel returns the point-to-point address "{account}/{device}"
func (m Message) DeviceChannel() string {
	return m.AccountID() + "/" + m.DeviceID()
}

func stringProperty(content map[string]any, key string) string {
	v, ok := content[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
