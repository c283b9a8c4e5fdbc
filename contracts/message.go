package contracts

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Well-known header keys
const (
	HeaderMessageID     = "x-message-id"
	HeaderMessageType   = "x-message-type"
	HeaderCorrelationID = "x-correlation-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderSourceAddress = "x-source-address"
	HeaderLastError     = "x-last-error"
)

// Message is the unit exchanged over the bus
type Message struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     time.Time         `json:"timestamp"`
	RetryCount    int               `json:"retryCount"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
}

// NewMessage creates a message with a generated ID and correlation ID
func NewMessage(messageType string, body []byte) *Message {
	id := uuid.New().String()
	return &Message{
		ID:            id,
		Type:          messageType,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Headers:       make(map[string]string),
		Body:          body,
	}
}

// NewCorrelatedMessage creates a message that continues an existing exchange
func NewCorrelatedMessage(messageType, correlationID string, body []byte) *Message {
	msg := NewMessage(messageType, body)
	if correlationID != "" {
		msg.CorrelationID = correlationID
	}
	return msg
}

// Reply creates a new message correlated with m
func (m *Message) Reply(messageType string, body []byte) *Message {
	return NewCorrelatedMessage(messageType, m.CorrelationID, body)
}

// Header returns a header value
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}
