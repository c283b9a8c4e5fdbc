package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mbus-go/serialization"
)

var (
	// ErrNotFound is returned by Find when no state exists
	ErrNotFound = errors.New("saga: state not found")
	// ErrVersionConflict is returned by Save when the stored version moved on
	ErrVersionConflict = errors.New("saga: version conflict")
	// ErrMissingCorrelationID is returned for states or messages without a correlation id
	ErrMissingCorrelationID = errors.New("saga: correlation id is required")
)

// Status is the lifecycle of a process manager
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// State is the persisted state of one process manager instance
type State struct {
	CorrelationID string    `json:"correlationId"`
	Status        Status    `json:"status"`
	Data          []byte    `json:"data,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewState creates an unsaved Active state
func NewState(correlationID string) *State {
	return &State{CorrelationID: correlationID, Status: StatusActive}
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	c := *s
	if s.Data != nil {
		c.Data = append([]byte(nil), s.Data...)
	}
	return &c
}

// IsNew reports whether the state has never been saved
func (s *State) IsNew() bool {
	return s.Version == 0
}

// Complete marks the process manager as finished
func (s *State) Complete() {
	s.Status = StatusCompleted
}

// Decode unmarshals Data into v; empty data leaves v untouched
func (s *State) Decode(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	if err := serialization.DefaultCodec.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("failed to decode saga data: %w", err)
	}
	return nil
}

// Encode marshals v into Data
func (s *State) Encode(v any) error {
	data, err := serialization.DefaultCodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode saga data: %w", err)
	}
	s.Data = data
	return nil
}

// Finder persists process manager state.
//
// Save succeeds only if the stored version equals state.Version (zero meaning
// "does not exist yet") and then increments state.Version. Implementations
// serialize writes per correlation id without a lock shared by unrelated ids.
type Finder interface {
	Find(ctx context.Context, correlationID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, correlationID string) error
	Close() error
}
