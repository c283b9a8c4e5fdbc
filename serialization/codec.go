// Package serialization encodes message envelopes and typed message bodies.
package serialization

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/glimte/mbus-go/contracts"
)

// Codec marshals message bodies and envelopes
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// SonicCodec is a JSON codec backed by sonic
type SonicCodec struct {
	api sonic.API
}

// NewSonicCodec creates a codec compatible with encoding/json output
func NewSonicCodec() *SonicCodec {
	return &SonicCodec{api: sonic.ConfigStd}
}

// Marshal implements Codec
func (c *SonicCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

// Unmarshal implements Codec
func (c *SonicCodec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}

// ContentType implements Codec
func (c *SonicCodec) ContentType() string {
	return "application/json"
}

// DefaultCodec is used when no codec is configured
var DefaultCodec Codec = NewSonicCodec()

// EncodeEnvelope serializes a message to its wire form
func EncodeEnvelope(codec Codec, msg *contracts.Message) ([]byte, error) {
	data, err := codec.Marshal(msg.ToEnvelope())
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire envelope into a message
func DecodeEnvelope(codec Codec, data []byte) (*contracts.Message, error) {
	var env contracts.Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env.Message()
}

// DecodeBody unmarshals a message body into a T
func DecodeBody[T any](codec Codec, msg *contracts.Message) (T, error) {
	var v T
	if err := codec.Unmarshal(msg.Body, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s body: %w", msg.Type, err)
	}
	return v, nil
}
