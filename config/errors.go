package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMissing is returned when an explicit load finds no usable profile
	ErrConfigurationMissing = errors.New("config: configuration missing")
	// ErrBuilderFrozen is the panic value for builder use after Build
	ErrBuilderFrozen = errors.New("config: builder used after Build")
)

// MissingError describes what an explicit load could not find
type MissingError struct {
	Source   string
	Endpoint string
	Err      error
}

func (e *MissingError) Error() string {
	msg := "config: configuration missing"
	if e.Source != "" {
		msg += " in " + e.Source
	}
	if e.Endpoint != "" {
		msg += fmt.Sprintf(" for endpoint %q", e.Endpoint)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfigurationMissing}
	}
	return []error{ErrConfigurationMissing, e.Err}
}
