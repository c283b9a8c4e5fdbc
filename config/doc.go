// Package config resolves bus settings.
//
// Settings are assembled from three layers: built-in defaults, an optional
// endpoint profile read from a YAML configuration source, and explicit
// overrides. Explicit overrides always win. The result is a Settings value that
// is never mutated afterwards, together with the implementation selections and
// the message type to endpoint mapping used by the producer.
package config
