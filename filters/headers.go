package filters

import (
	"context"

	"github.com/glimte/mbus-go/contracts"
)

// RequiredHeaders rejects messages that lack any of the listed headers
type RequiredHeaders struct {
	keys []string
}

// NewRequiredHeaders creates the stage
func NewRequiredHeaders(keys ...string) *RequiredHeaders {
	return &RequiredHeaders{keys: keys}
}

// Name implements Stage
func (r *RequiredHeaders) Name() string {
	return "RequiredHeaders"
}

// Process implements Stage
func (r *RequiredHeaders) Process(_ context.Context, msg *contracts.Message) (Verdict, error) {
	for _, key := range r.keys {
		if msg.Header(key) == "" {
			return Reject, nil
		}
	}
	return Pass, nil
}

// SetHeaders stamps fixed headers onto every message
type SetHeaders struct {
	headers map[string]string
}

// NewSetHeaders creates the stage
func NewSetHeaders(headers map[string]string) *SetHeaders {
	return &SetHeaders{headers: headers}
}

// Name implements Stage
func (s *SetHeaders) Name() string {
	return "SetHeaders"
}

// Process implements Stage
func (s *SetHeaders) Process(_ context.Context, msg *contracts.Message) (Verdict, error) {
	for k, v := range s.headers {
		msg.SetHeader(k, v)
	}
	return Pass, nil
}
