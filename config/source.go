package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Source is a parsed configuration file
type Source struct {
	Name      string
	Endpoints []EndpointProfile
}

// EndpointProfile is one named endpoint in a configuration source
type EndpointProfile struct {
	Name             string             `yaml:"name"`
	Transport        TransportProfile   `yaml:"transport"`
	Persistence      PersistenceProfile `yaml:"persistence"`
	Deduplication    DedupProfile       `yaml:"deduplication"`
	Implementations  Selections         `yaml:"implementations"`
	EndpointMappings map[string]string  `yaml:"endpoint_mappings"`
}

// TransportProfile holds optional transport values; nil means unset
type TransportProfile struct {
	Host            *string        `yaml:"host"`
	Username        *string        `yaml:"username"`
	Password        *string        `yaml:"password"`
	SSLEnabled      *bool          `yaml:"ssl_enabled"`
	ServerName      *string        `yaml:"server_name"`
	CertPath        *string        `yaml:"cert_path"`
	KeyPath         *string        `yaml:"key_path"`
	CAPath          *string        `yaml:"ca_path"`
	Queue           QueueProfile   `yaml:"queue"`
	MaxRetries      *int           `yaml:"max_retries"`
	RetryDelay      *time.Duration `yaml:"retry_delay"`
	PrefetchCount   *int           `yaml:"prefetch_count"`
	Workers         *int           `yaml:"workers"`
	AckMode         *AckMode       `yaml:"ack_mode"`
	Heartbeat       *time.Duration `yaml:"heartbeat"`
	ErrorQueue      *string        `yaml:"error_queue"`
	AuditingEnabled *bool          `yaml:"auditing_enabled"`
	AuditQueue      *string        `yaml:"audit_queue"`
}

// QueueProfile holds optional queue values
type QueueProfile struct {
	Name       *string        `yaml:"name"`
	RoutingKey *string        `yaml:"routing_key"`
	Durable    *bool          `yaml:"durable"`
	Exclusive  *bool          `yaml:"exclusive"`
	AutoDelete *bool          `yaml:"auto_delete"`
	Arguments  map[string]any `yaml:"arguments"`
}

// PersistenceProfile holds optional persistence values
type PersistenceProfile struct {
	ConnectionString *string `yaml:"connection_string"`
	StoreName        *string `yaml:"store_name"`
}

// DedupProfile holds optional deduplication values
type DedupProfile struct {
	Enabled         *bool          `yaml:"enabled"`
	Expiry          *time.Duration `yaml:"expiry"`
	CleanupInterval *time.Duration `yaml:"cleanup_interval"`
}

type fileFormat struct {
	BusSettings *struct {
		Endpoints []EndpointProfile `yaml:"endpoints"`
	} `yaml:"bus_settings"`
}

// Load reads a YAML configuration file. A missing file or a file without a
// bus_settings section yields ErrConfigurationMissing.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingError{Source: path, Err: err}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	src, err := Parse(data)
	if err != nil {
		var missing *MissingError
		if errors.As(err, &missing) {
			missing.Source = path
		}
		return nil, err
	}
	src.Name = path
	return src, nil
}

// Parse decodes YAML configuration data
func Parse(data []byte) (*Source, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if f.BusSettings == nil {
		return nil, &MissingError{Err: errors.New("bus_settings section not found")}
	}
	return &Source{Endpoints: f.BusSettings.Endpoints}, nil
}

// Profile returns the named endpoint profile. An empty name selects the first profile.
func (s *Source) Profile(name string) (*EndpointProfile, bool) {
	if s == nil || len(s.Endpoints) == 0 {
		return nil, false
	}
	if name == "" {
		return &s.Endpoints[0], true
	}
	for i := range s.Endpoints {
		if s.Endpoints[i].Name == name {
			return &s.Endpoints[i], true
		}
	}
	return nil, false
}

func (p *EndpointProfile) apply(s *Settings, sel *Selections, mapping EndpointMapping) {
	p.Transport.apply(s)
	p.Persistence.apply(s)
	p.Deduplication.apply(s)
	sel.merge(p.Implementations)
	for msgType, endpoint := range p.EndpointMappings {
		mapping[msgType] = endpoint
	}
}

func (t TransportProfile) apply(s *Settings) {
	setString(&s.Host, t.Host)
	setString(&s.Credentials.Username, t.Username)
	setString(&s.Credentials.Password, t.Password)
	setBool(&s.TLS.Enabled, t.SSLEnabled)
	setString(&s.TLS.ServerName, t.ServerName)
	setString(&s.TLS.CertPath, t.CertPath)
	setString(&s.TLS.KeyPath, t.KeyPath)
	setString(&s.TLS.CAPath, t.CAPath)

	setString(&s.Queue.Name, t.Queue.Name)
	setString(&s.Queue.RoutingKey, t.Queue.RoutingKey)
	setBool(&s.Queue.Durable, t.Queue.Durable)
	setBool(&s.Queue.Exclusive, t.Queue.Exclusive)
	setBool(&s.Queue.AutoDelete, t.Queue.AutoDelete)
	for k, v := range t.Queue.Arguments {
		s.Queue.Arguments[k] = v
	}

	setInt(&s.Retry.MaxRetries, t.MaxRetries)
	setDuration(&s.Retry.Delay, t.RetryDelay)
	setInt(&s.PrefetchCount, t.PrefetchCount)
	setInt(&s.Workers, t.Workers)
	if t.AckMode != nil {
		s.AckMode = *t.AckMode
	}
	setDuration(&s.Heartbeat, t.Heartbeat)
	setString(&s.ErrorQueue, t.ErrorQueue)
	setBool(&s.AuditingEnabled, t.AuditingEnabled)
	setString(&s.AuditQueue, t.AuditQueue)
}

func (p PersistenceProfile) apply(s *Settings) {
	setString(&s.Persistence.ConnectionString, p.ConnectionString)
	setString(&s.Persistence.StoreName, p.StoreName)
}

func (d DedupProfile) apply(s *Settings) {
	setBool(&s.Deduplication.Enabled, d.Enabled)
	setDuration(&s.Deduplication.Expiry, d.Expiry)
	setDuration(&s.Deduplication.CleanupInterval, d.CleanupInterval)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
