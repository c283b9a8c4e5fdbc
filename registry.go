package mbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/dedup"
	dedupbadger "github.com/glimte/mbus-go/dedup/badgerstore"
	dedupredis "github.com/glimte/mbus-go/dedup/redisstore"
	dedupsql "github.com/glimte/mbus-go/dedup/sqlstore"
	"github.com/glimte/mbus-go/messaging"
	"github.com/glimte/mbus-go/saga"
	sagabadger "github.com/glimte/mbus-go/saga/badgerstore"
	sagaredis "github.com/glimte/mbus-go/saga/redisstore"
	sagasql "github.com/glimte/mbus-go/saga/sqlstore"
	"github.com/glimte/mbus-go/transports/memory"
)

// ErrUnknownImplementation is returned when a selection names an unregistered tag
var ErrUnknownImplementation = errors.New("mbus: unknown implementation")

// ConsumerFactory creates the transport consumer of an endpoint
type ConsumerFactory func(ctx context.Context, res *Resources) (messaging.TransportConsumer, error)

// ProducerFactory creates the transport producer of an endpoint
type ProducerFactory func(ctx context.Context, res *Resources) (messaging.TransportProducer, error)

// ContainerFactory creates a handler container
type ContainerFactory func(res *Resources) (messaging.Container, error)

// FinderFactory creates a process manager finder
type FinderFactory func(ctx context.Context, res *Resources) (saga.Finder, error)

// DedupStoreFactory creates a deduplication store
type DedupStoreFactory func(ctx context.Context, res *Resources) (dedup.Store, error)

// Registry maps implementation tags to constructors
type Registry struct {
	mu          sync.RWMutex
	consumers   map[string]ConsumerFactory
	producers   map[string]ProducerFactory
	containers  map[string]ContainerFactory
	finders     map[string]FinderFactory
	dedupStores map[string]DedupStoreFactory
}

// NewRegistry returns a registry holding the built-in implementations
func NewRegistry() *Registry {
	r := &Registry{
		consumers:   make(map[string]ConsumerFactory),
		producers:   make(map[string]ProducerFactory),
		containers:  make(map[string]ContainerFactory),
		finders:     make(map[string]FinderFactory),
		dedupStores: make(map[string]DedupStoreFactory),
	}

	r.RegisterConsumer(config.TagMemory, func(_ context.Context, res *Resources) (messaging.TransportConsumer, error) {
		return memory.NewConsumerFromSettings(res.MemoryBroker(), res.Settings, res.Logger), nil
	})
	r.RegisterConsumer(config.TagRabbitMQ, func(ctx context.Context, res *Resources) (messaging.TransportConsumer, error) {
		t, err := res.RabbitMQ(ctx)
		if err != nil {
			return nil, err
		}
		return t.Consumer(), nil
	})
	r.RegisterConsumer(config.TagRedis, func(ctx context.Context, res *Resources) (messaging.TransportConsumer, error) {
		t, err := res.RedisStreams(ctx)
		if err != nil {
			return nil, err
		}
		return t.Consumer(), nil
	})

	r.RegisterProducer(config.TagMemory, func(_ context.Context, res *Resources) (messaging.TransportProducer, error) {
		return memory.NewProducer(res.MemoryBroker()), nil
	})
	r.RegisterProducer(config.TagRabbitMQ, func(ctx context.Context, res *Resources) (messaging.TransportProducer, error) {
		t, err := res.RabbitMQ(ctx)
		if err != nil {
			return nil, err
		}
		return t.Producer(), nil
	})
	r.RegisterProducer(config.TagRedis, func(ctx context.Context, res *Resources) (messaging.TransportProducer, error) {
		t, err := res.RedisStreams(ctx)
		if err != nil {
			return nil, err
		}
		return t.Producer(), nil
	})

	r.RegisterContainer(config.TagDefault, func(res *Resources) (messaging.Container, error) {
		return messaging.NewHandlerContainer(messaging.WithContainerLogger(res.Logger)), nil
	})

	r.RegisterFinder(config.TagMemory, func(context.Context, *Resources) (saga.Finder, error) {
		return saga.NewMemoryFinder(), nil
	})
	r.RegisterFinder(config.TagRedis, func(ctx context.Context, res *Resources) (saga.Finder, error) {
		client, err := res.PersistenceRedis(ctx)
		if err != nil {
			return nil, err
		}
		return sagaredis.New(client, sagaredis.WithPrefix(storePrefix(res, "saga"))), nil
	})
	r.RegisterFinder(config.TagBadger, func(_ context.Context, res *Resources) (saga.Finder, error) {
		db, err := res.Badger()
		if err != nil {
			return nil, err
		}
		return sagabadger.New(db), nil
	})
	r.RegisterFinder(config.TagSQL, func(_ context.Context, res *Resources) (saga.Finder, error) {
		db, err := res.SQL()
		if err != nil {
			return nil, err
		}
		return sagasql.New(db, res.Settings.Persistence.StoreName)
	})

	r.RegisterDedupStore(config.TagMemory, func(context.Context, *Resources) (dedup.Store, error) {
		return dedup.NewMemoryStore(), nil
	})
	r.RegisterDedupStore(config.TagRedis, func(ctx context.Context, res *Resources) (dedup.Store, error) {
		client, err := res.PersistenceRedis(ctx)
		if err != nil {
			return nil, err
		}
		return dedupredis.New(client, dedupredis.WithPrefix(storePrefix(res, "dedup"))), nil
	})
	r.RegisterDedupStore(config.TagBadger, func(_ context.Context, res *Resources) (dedup.Store, error) {
		db, err := res.Badger()
		if err != nil {
			return nil, err
		}
		return dedupbadger.New(db), nil
	})
	r.RegisterDedupStore(config.TagSQL, func(_ context.Context, res *Resources) (dedup.Store, error) {
		db, err := res.SQL()
		if err != nil {
			return nil, err
		}
		return dedupsql.New(db, res.Settings.Persistence.StoreName)
	})

	return r
}

// RegisterConsumer registers a consumer constructor under tag
func (r *Registry) RegisterConsumer(tag string, f ConsumerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[tag] = f
}

// RegisterProducer registers a producer constructor under tag
func (r *Registry) RegisterProducer(tag string, f ProducerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[tag] = f
}

// RegisterContainer registers a container constructor under tag
func (r *Registry) RegisterContainer(tag string, f ContainerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[tag] = f
}

// RegisterFinder registers a process manager finder constructor under tag
func (r *Registry) RegisterFinder(tag string, f FinderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finders[tag] = f
}

// RegisterDedupStore registers a deduplication store constructor under tag
func (r *Registry) RegisterDedupStore(tag string, f DedupStoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dedupStores[tag] = f
}

// Tags lists the registered tags per component, sorted
func (r *Registry) Tags() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string][]string{
		"consumer":               sortedKeys(r.consumers),
		"producer":               sortedKeys(r.producers),
		"container":              sortedKeys(r.containers),
		"process_manager_finder": sortedKeys(r.finders),
		"deduplication_store":    sortedKeys(r.dedupStores),
	}
}

func (r *Registry) consumer(tag string) (ConsumerFactory, error) {
	return lookup(&r.mu, r.consumers, "consumer", tag)
}

func (r *Registry) producer(tag string) (ProducerFactory, error) {
	return lookup(&r.mu, r.producers, "producer", tag)
}

func (r *Registry) container(tag string) (ContainerFactory, error) {
	return lookup(&r.mu, r.containers, "container", tag)
}

func (r *Registry) finder(tag string) (FinderFactory, error) {
	return lookup(&r.mu, r.finders, "process manager finder", tag)
}

func (r *Registry) dedupStore(tag string) (DedupStoreFactory, error) {
	return lookup(&r.mu, r.dedupStores, "deduplication store", tag)
}

func lookup[F any](mu *sync.RWMutex, m map[string]F, component, tag string) (F, error) {
	mu.RLock()
	defer mu.RUnlock()

	f, ok := m[tag]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: %s %q", ErrUnknownImplementation, component, tag)
	}
	return f, nil
}

func sortedKeys[F any](m map[string]F) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func storePrefix(res *Resources, kind string) string {
	store := res.Settings.Persistence.StoreName
	if store == "" {
		store = config.DefaultPersistenceStoreName
	}
	return store + ":" + kind
}
