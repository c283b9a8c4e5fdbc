package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Built-in defaults
const (
	DefaultHost                        = "localhost"
	DefaultMaxRetries                  = 3
	DefaultRetryDelay                  = 3000 * time.Millisecond
	DefaultPrefetchCount               = 10
	DefaultWorkers                     = 1
	DefaultErrorQueue                  = "errors"
	DefaultAuditQueue                  = "audit"
	DefaultHeartbeat                   = 10 * time.Second
	DefaultPersistenceConnectionString = "redis://localhost:6379/0"
	DefaultPersistenceStoreName        = "MBusPersistentStore"
	DefaultDeduplicationExpiry         = 7 * 24 * time.Hour
	DefaultDeduplicationCleanup        = 6 * time.Hour
)

// AckMode controls how deliveries are acknowledged
type AckMode string

const (
	// AckManual acknowledges after the pipeline completes
	AckManual AckMode = "manual"
	// AckAuto lets the transport acknowledge on delivery
	AckAuto AckMode = "auto"
)

// Credentials holds the transport login
type Credentials struct {
	Username string
	Password string
}

// TLSSettings describes the TLS toggle and certificate reference
type TLSSettings struct {
	Enabled            bool
	ServerName         string
	CertPath           string
	KeyPath            string
	CAPath             string
	InsecureSkipVerify bool
}

// QueueSettings describes the endpoint queue
type QueueSettings struct {
	Name       string
	RoutingKey string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  map[string]any
}

// RetrySettings is the message-level retry policy
type RetrySettings struct {
	MaxRetries int
	Delay      time.Duration
}

// PersistenceSettings locates the dedup and saga stores
type PersistenceSettings struct {
	ConnectionString string
	StoreName        string
}

// DeduplicationSettings configures the deduplication filters
type DeduplicationSettings struct {
	Enabled         bool
	Expiry          time.Duration
	CleanupInterval time.Duration
}

// Settings is the resolved, transport agnostic description of an endpoint.
// Values are copied into components; nothing mutates them after resolution.
type Settings struct {
	Host            string
	Credentials     Credentials
	TLS             TLSSettings
	Queue           QueueSettings
	Retry           RetrySettings
	PrefetchCount   int
	Workers         int
	AckMode         AckMode
	Heartbeat       time.Duration
	ErrorQueue      string
	AuditingEnabled bool
	AuditQueue      string
	Persistence     PersistenceSettings
	Deduplication   DeduplicationSettings
}

// Default returns the built-in settings for a process
func Default(processName string) Settings {
	return Settings{
		Host: DefaultHost,
		Queue: QueueSettings{
			Name:       processName,
			Durable:    true,
			Exclusive:  false,
			AutoDelete: false,
			Arguments:  map[string]any{},
		},
		Retry: RetrySettings{
			MaxRetries: DefaultMaxRetries,
			Delay:      DefaultRetryDelay,
		},
		PrefetchCount: DefaultPrefetchCount,
		Workers:       DefaultWorkers,
		AckMode:       AckManual,
		Heartbeat:     DefaultHeartbeat,
		ErrorQueue:    DefaultErrorQueue,
		AuditQueue:    DefaultAuditQueue,
		Deduplication: DeduplicationSettings{
			Expiry:          DefaultDeduplicationExpiry,
			CleanupInterval: DefaultDeduplicationCleanup,
		},
	}
}

// QueueArguments returns a copy of the queue arguments
func (s Settings) QueueArguments() map[string]any {
	return maps.Clone(s.Queue.Arguments)
}

// String returns a redacted representation
func (s Settings) String() string {
	password := ""
	if s.Credentials.Password != "" {
		password = "***"
	}
	return fmt.Sprintf(
		"Settings{Host:%s User:%s Password:%s TLS:%t Queue:%s Durable:%t MaxRetries:%d RetryDelay:%s Prefetch:%d Workers:%d Store:%s}",
		s.Host, s.Credentials.Username, password, s.TLS.Enabled, s.Queue.Name, s.Queue.Durable,
		s.Retry.MaxRetries, s.Retry.Delay, s.PrefetchCount, s.Workers, s.Persistence.StoreName,
	)
}

// ProcessName returns the identity used as the default queue name
func ProcessName() string {
	path, err := os.Executable()
	if err != nil || path == "" {
		if len(os.Args) == 0 {
			return "mbus"
		}
		path = os.Args[0]
	}
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (s Settings) clone() Settings {
	s.Queue.Arguments = maps.Clone(s.Queue.Arguments)
	if s.Queue.Arguments == nil {
		s.Queue.Arguments = map[string]any{}
	}
	return s
}
