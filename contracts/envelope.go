package contracts

import (
	"strconv"
	"time"
)

// Envelope is the wire form of a Message used by broker transports
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     string            `json:"timestamp"`
	RetryCount    int               `json:"retryCount"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
}

// ToEnvelope converts a message to its wire form
func (m *Message) ToEnvelope() *Envelope {
	return &Envelope{
		ID:            m.ID,
		Type:          m.Type,
		CorrelationID: m.CorrelationID,
		Timestamp:     m.Timestamp.UTC().Format(time.RFC3339Nano),
		RetryCount:    m.RetryCount,
		Headers:       m.Headers,
		Body:          m.Body,
	}
}

// Message converts the envelope back to a Message
func (e *Envelope) Message() (*Message, error) {
	if e.ID == "" {
		return nil, ErrMissingID
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}

	var ts time.Time
	if e.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return nil, &InvalidEnvelopeError{Field: "timestamp", Err: err}
		}
		ts = parsed
	}

	headers := e.Headers
	if headers == nil {
		headers = make(map[string]string)
	}

	return &Message{
		ID:            e.ID,
		Type:          e.Type,
		CorrelationID: e.CorrelationID,
		Timestamp:     ts,
		RetryCount:    e.RetryCount,
		Headers:       headers,
		Body:          e.Body,
	}, nil
}

// RetryCountFromHeader parses a retry count header value, returning 0 when absent or malformed
func RetryCountFromHeader(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
