package config

import (
	"errors"
	"fmt"
	"time"
)

// Builder accumulates explicit configuration and resolves it once
type Builder struct {
	overrides Overrides
	endpoint  string
	resolver  []ResolverOption
	frozen    bool
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{
		overrides: Overrides{EndpointMappings: map[string]string{}},
	}
}

func (b *Builder) mutate(fn func(o *Overrides)) *Builder {
	if b.frozen {
		panic(ErrBuilderFrozen)
	}
	fn(&b.overrides)
	return b
}

// FromConfigFile loads the named endpoint from a YAML file; failure to find it is fatal
func (b *Builder) FromConfigFile(path, endpoint string) *Builder {
	return b.withResolver(endpoint, WithConfigFile(path))
}

// FromOptionalConfigFile loads the named endpoint when the file exists
func (b *Builder) FromOptionalConfigFile(path, endpoint string) *Builder {
	return b.withResolver(endpoint, WithOptionalConfigFile(path))
}

// FromSource uses a parsed source
func (b *Builder) FromSource(src *Source, endpoint string) *Builder {
	return b.withResolver(endpoint, WithSource(src))
}

// WithProcessName overrides the identity used for the default queue name
func (b *Builder) WithProcessName(name string) *Builder {
	return b.withResolver(b.endpoint, WithProcessName(name))
}

func (b *Builder) withResolver(endpoint string, opt ResolverOption) *Builder {
	if b.frozen {
		panic(ErrBuilderFrozen)
	}
	b.endpoint = endpoint
	b.resolver = append(b.resolver, opt)
	return b
}

// WithHost sets the transport host
func (b *Builder) WithHost(host string) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.Host = &host })
}

// WithCredentials sets the transport login
func (b *Builder) WithCredentials(username, password string) *Builder {
	return b.mutate(func(o *Overrides) {
		o.Transport.Username = &username
		o.Transport.Password = &password
	})
}

// WithTLS enables TLS with an optional client certificate and CA bundle
func (b *Builder) WithTLS(serverName, certPath, keyPath, caPath string) *Builder {
	return b.mutate(func(o *Overrides) {
		enabled := true
		o.Transport.SSLEnabled = &enabled
		o.Transport.ServerName = &serverName
		o.Transport.CertPath = &certPath
		o.Transport.KeyPath = &keyPath
		o.Transport.CAPath = &caPath
	})
}

// WithQueueName sets the endpoint queue name
func (b *Builder) WithQueueName(name string) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.Queue.Name = &name })
}

// WithRoutingKey sets the queue routing key
func (b *Builder) WithRoutingKey(key string) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.Queue.RoutingKey = &key })
}

// WithQueueOptions sets durability flags
func (b *Builder) WithQueueOptions(durable, exclusive, autoDelete bool) *Builder {
	return b.mutate(func(o *Overrides) {
		o.Transport.Queue.Durable = &durable
		o.Transport.Queue.Exclusive = &exclusive
		o.Transport.Queue.AutoDelete = &autoDelete
	})
}

// WithQueueArgument adds a queue declaration argument
func (b *Builder) WithQueueArgument(key string, value any) *Builder {
	return b.mutate(func(o *Overrides) {
		if o.Transport.Queue.Arguments == nil {
			o.Transport.Queue.Arguments = map[string]any{}
		}
		o.Transport.Queue.Arguments[key] = value
	})
}

// WithMaxRetries sets the retry budget
func (b *Builder) WithMaxRetries(n int) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.MaxRetries = &n })
}

// WithRetryDelay sets the delay before a redelivery
func (b *Builder) WithRetryDelay(d time.Duration) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.RetryDelay = &d })
}

// WithPrefetchCount sets the unacknowledged message limit per worker
func (b *Builder) WithPrefetchCount(n int) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.PrefetchCount = &n })
}

// WithWorkers sets the number of concurrent consumer workers
func (b *Builder) WithWorkers(n int) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.Workers = &n })
}

// WithAckMode sets the acknowledgement mode
func (b *Builder) WithAckMode(mode AckMode) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.AckMode = &mode })
}

// WithErrorQueue sets the dead-letter queue
func (b *Builder) WithErrorQueue(name string) *Builder {
	return b.mutate(func(o *Overrides) { o.Transport.ErrorQueue = &name })
}

// WithAuditing enables forwarding of handled messages to queue
func (b *Builder) WithAuditing(queue string) *Builder {
	return b.mutate(func(o *Overrides) {
		enabled := true
		o.Transport.AuditingEnabled = &enabled
		o.Transport.AuditQueue = &queue
	})
}

// WithPersistence sets the store connection string and name
func (b *Builder) WithPersistence(connectionString, storeName string) *Builder {
	return b.mutate(func(o *Overrides) {
		if connectionString != "" {
			o.Persistence.ConnectionString = &connectionString
		}
		if storeName != "" {
			o.Persistence.StoreName = &storeName
		}
	})
}

// WithDeduplication enables the deduplication filters
func (b *Builder) WithDeduplication(expiry, cleanupInterval time.Duration) *Builder {
	return b.mutate(func(o *Overrides) {
		enabled := true
		o.Deduplication.Enabled = &enabled
		o.Deduplication.Expiry = &expiry
		o.Deduplication.CleanupInterval = &cleanupInterval
	})
}

// UseConsumer selects the consumer implementation
func (b *Builder) UseConsumer(tag string) *Builder {
	return b.mutate(func(o *Overrides) { o.Implementations.Consumer = tag })
}

// UseProducer selects the producer implementation
func (b *Builder) UseProducer(tag string) *Builder {
	return b.mutate(func(o *Overrides) { o.Implementations.Producer = tag })
}

// UseTransport selects the same implementation for consumer and producer
func (b *Builder) UseTransport(tag string) *Builder {
	return b.UseConsumer(tag).UseProducer(tag)
}

// UseContainer selects the handler container implementation
func (b *Builder) UseContainer(tag string) *Builder {
	return b.mutate(func(o *Overrides) { o.Implementations.Container = tag })
}

// UseProcessManagerFinder selects the saga store implementation
func (b *Builder) UseProcessManagerFinder(tag string) *Builder {
	return b.mutate(func(o *Overrides) { o.Implementations.ProcessManagerFinder = tag })
}

// UseDeduplicationStore selects the dedup store implementation
func (b *Builder) UseDeduplicationStore(tag string) *Builder {
	return b.mutate(func(o *Overrides) { o.Implementations.DeduplicationStore = tag })
}

// MapEndpoint routes messages of msgType to endpoint; the last mapping for a type wins
func (b *Builder) MapEndpoint(msgType, endpoint string) *Builder {
	return b.mutate(func(o *Overrides) { o.EndpointMappings[msgType] = endpoint })
}

// Build resolves and validates the configuration. The builder cannot be used afterwards.
func (b *Builder) Build() (*Resolved, error) {
	if b.frozen {
		panic(ErrBuilderFrozen)
	}
	b.frozen = true

	settings, selections, mapping, err := NewResolver(b.resolver...).Resolve(b.overrides, b.endpoint)
	if err != nil {
		return nil, err
	}
	if err := Validate(settings, selections); err != nil {
		return nil, err
	}
	return &Resolved{Settings: settings, Selections: selections, Mapping: mapping}, nil
}

// Validate checks resolved settings and selections
func Validate(s Settings, sel Selections) error {
	var errs []error
	if s.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if s.Queue.Name == "" {
		errs = append(errs, errors.New("queue name is required"))
	}
	if s.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", s.Retry.MaxRetries))
	}
	if s.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must be >= 0, got %s", s.Retry.Delay))
	}
	if s.PrefetchCount <= 0 {
		errs = append(errs, fmt.Errorf("prefetch count must be > 0, got %d", s.PrefetchCount))
	}
	if s.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0, got %d", s.Workers))
	}
	if s.AckMode != AckManual && s.AckMode != AckAuto {
		errs = append(errs, fmt.Errorf("unknown ack mode %q", s.AckMode))
	}
	if s.ErrorQueue == "" {
		errs = append(errs, errors.New("error queue is required"))
	}
	if s.AuditingEnabled && s.AuditQueue == "" {
		errs = append(errs, errors.New("audit queue is required when auditing is enabled"))
	}
	if s.Deduplication.Enabled && s.Deduplication.Expiry <= 0 {
		errs = append(errs, errors.New("deduplication expiry must be > 0"))
	}
	if (s.TLS.CertPath == "") != (s.TLS.KeyPath == "") {
		errs = append(errs, errors.New("tls certificate and key paths must be set together"))
	}
	if sel.Consumer == "" || sel.Producer == "" || sel.Container == "" ||
		sel.ProcessManagerFinder == "" || sel.DeduplicationStore == "" {
		errs = append(errs, errors.New("every implementation selection must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
