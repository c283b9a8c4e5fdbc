package filters

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/glimte/mbus-go/contracts"
	"golang.org/x/crypto/chacha20poly1305"
)

// HeaderEncryption marks a body sealed by Encrypt and names the cipher
const HeaderEncryption = "x-encryption"

// EncryptionAlgorithm is the value of HeaderEncryption
const EncryptionAlgorithm = "xchacha20-poly1305"

var (
	// ErrInvalidKey is returned for keys that are not chacha20poly1305.KeySize bytes
	ErrInvalidKey = errors.New("filters: encryption key must be 32 bytes")
	// ErrUnsupportedEncryption is returned for bodies sealed with another algorithm
	ErrUnsupportedEncryption = errors.New("filters: unsupported body encryption")
)

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return chacha20poly1305.NewX(key)
}

// Encrypt seals message bodies on the outgoing chain. The message type and id
// are bound as additional data.
type Encrypt struct {
	aead cipher.AEAD
}

// NewEncrypt creates the outgoing stage
func NewEncrypt(key []byte) (*Encrypt, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Encrypt{aead: aead}, nil
}

// Name implements Stage
func (e *Encrypt) Name() string {
	return "Encrypt"
}

// Process implements Stage
func (e *Encrypt) Process(_ context.Context, msg *contracts.Message) (Verdict, error) {
	if msg.Header(HeaderEncryption) != "" {
		return Pass, nil
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(msg.Body)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return Reject, fmt.Errorf("failed to generate nonce: %w", err)
	}
	msg.Body = e.aead.Seal(nonce, nonce, msg.Body, additionalData(msg))
	msg.SetHeader(HeaderEncryption, EncryptionAlgorithm)
	return Pass, nil
}

// Decrypt opens bodies sealed by Encrypt on the before-consuming chain.
// Messages without the encryption header pass unchanged.
type Decrypt struct {
	aead cipher.AEAD
}

// NewDecrypt creates the before-consuming stage
func NewDecrypt(key []byte) (*Decrypt, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Decrypt{aead: aead}, nil
}

// Name implements Stage
func (d *Decrypt) Name() string {
	return "Decrypt"
}

// Process implements Stage
func (d *Decrypt) Process(_ context.Context, msg *contracts.Message) (Verdict, error) {
	switch alg := msg.Header(HeaderEncryption); alg {
	case "":
		return Pass, nil
	case EncryptionAlgorithm:
	default:
		return Reject, fmt.Errorf("%w: %s", ErrUnsupportedEncryption, alg)
	}

	size := d.aead.NonceSize()
	if len(msg.Body) < size+d.aead.Overhead() {
		return Reject, fmt.Errorf("failed to decrypt message %s: body too short", msg.ID)
	}
	plain, err := d.aead.Open(nil, msg.Body[:size], msg.Body[size:], additionalData(msg))
	if err != nil {
		return Reject, fmt.Errorf("failed to decrypt message %s: %w", msg.ID, err)
	}
	msg.Body = plain
	delete(msg.Headers, HeaderEncryption)
	return Pass, nil
}

func additionalData(msg *contracts.Message) []byte {
	return []byte(msg.Type + "\x00" + msg.ID)
}
