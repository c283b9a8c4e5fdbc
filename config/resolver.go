package config

import (
	"errors"
	"maps"
)

// Implementation tags understood by the built-in registry
const (
	TagMemory   = "memory"
	TagRabbitMQ = "rabbitmq"
	TagRedis    = "redis"
	TagBadger   = "badger"
	TagSQL      = "sql"
	TagDefault  = "default"
)

// Selections names the implementation chosen for each pluggable component
type Selections struct {
	Consumer             string `yaml:"consumer"`
	Producer             string `yaml:"producer"`
	Container            string `yaml:"container"`
	ProcessManagerFinder string `yaml:"process_manager_finder"`
	DeduplicationStore   string `yaml:"deduplication_store"`
}

// DefaultSelections selects in-process implementations for everything
func DefaultSelections() Selections {
	return Selections{
		Consumer:             TagMemory,
		Producer:             TagMemory,
		Container:            TagDefault,
		ProcessManagerFinder: TagMemory,
		DeduplicationStore:   TagMemory,
	}
}

func (s *Selections) merge(o Selections) {
	if o.Consumer != "" {
		s.Consumer = o.Consumer
	}
	if o.Producer != "" {
		s.Producer = o.Producer
	}
	if o.Container != "" {
		s.Container = o.Container
	}
	if o.ProcessManagerFinder != "" {
		s.ProcessManagerFinder = o.ProcessManagerFinder
	}
	if o.DeduplicationStore != "" {
		s.DeduplicationStore = o.DeduplicationStore
	}
}

// EndpointMapping maps a message type to its destination endpoint
type EndpointMapping map[string]string

// Lookup returns the endpoint registered for msgType
func (m EndpointMapping) Lookup(msgType string) (string, bool) {
	endpoint, ok := m[msgType]
	return endpoint, ok && endpoint != ""
}

// Overrides are explicit values that win over profiles and defaults
type Overrides struct {
	Transport        TransportProfile
	Persistence      PersistenceProfile
	Deduplication    DedupProfile
	Implementations  Selections
	EndpointMappings map[string]string
}

// Resolved is the output of a resolution
type Resolved struct {
	Settings   Settings
	Selections Selections
	Mapping    EndpointMapping
}

// Resolver merges defaults, an optional endpoint profile and overrides
type Resolver struct {
	source      *Source
	path        string
	explicit    bool
	processName string
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithSource uses an already parsed source; a missing profile is an error
func WithSource(src *Source) ResolverOption {
	return func(r *Resolver) {
		r.source = src
		r.explicit = true
	}
}

// WithConfigFile loads path explicitly; a missing file, section or profile is an error
func WithConfigFile(path string) ResolverOption {
	return func(r *Resolver) {
		r.path = path
		r.explicit = true
	}
}

// WithOptionalConfigFile loads path when present and falls back to defaults otherwise
func WithOptionalConfigFile(path string) ResolverOption {
	return func(r *Resolver) {
		r.path = path
		r.explicit = false
	}
}

// WithProcessName sets the identity used as the default queue name
func WithProcessName(name string) ResolverOption {
	return func(r *Resolver) {
		r.processName = name
	}
}

// NewResolver creates a resolver
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	if r.processName == "" {
		r.processName = ProcessName()
	}
	return r
}

// Resolve produces the settings, implementation selections and endpoint
// mapping for the named endpoint. Resolution without a configuration source
// never fails.
func (r *Resolver) Resolve(overrides Overrides, endpoint string) (Settings, Selections, EndpointMapping, error) {
	settings := Default(r.processName)
	selections := DefaultSelections()
	mapping := EndpointMapping{}

	src := r.source
	if r.path != "" {
		loaded, err := Load(r.path)
		switch {
		case err == nil:
			src = loaded
		case errors.Is(err, ErrConfigurationMissing) && !r.explicit:
			src = nil
		default:
			return Settings{}, Selections{}, nil, err
		}
	}

	if src != nil {
		profile, ok := src.Profile(endpoint)
		switch {
		case ok:
			profile.apply(&settings, &selections, mapping)
		case r.explicit:
			return Settings{}, Selections{}, nil, &MissingError{Source: src.Name, Endpoint: endpoint}
		}
	}

	overrides.Transport.apply(&settings)
	overrides.Persistence.apply(&settings)
	overrides.Deduplication.apply(&settings)
	selections.merge(overrides.Implementations)
	maps.Copy(mapping, overrides.EndpointMappings)

	if settings.Persistence.ConnectionString == "" {
		settings.Persistence.ConnectionString = DefaultPersistenceConnectionString
	}
	if settings.Persistence.StoreName == "" {
		settings.Persistence.StoreName = DefaultPersistenceStoreName
	}
	if settings.Queue.Name == "" {
		settings.Queue.Name = r.processName
	}

	return settings.clone(), selections, mapping, nil
}
