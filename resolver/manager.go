package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

var _ adapter.ResolverManager = (*Manager)(nil)

type Manager struct {
	logger          log.ContextLogger
	client          *Client
	access          sync.Mutex
	resolvers       []*Resolver
	resolverByTag   map[string]*Resolver
	defaultResolver *Resolver
}

func NewManager(ctx context.Context, logFactory log.Factory, options option.DNSOptions) (*Manager, error) {
	manager := &Manager{
		logger:        logFactory.NewLogger("resolver"),
		resolverByTag: make(map[string]*Resolver),
	}
	manager.client = NewClient(ClientOptions{
		Context:       ctx,
		Logger:        manager.logger,
		Timeout:       time.Duration(options.Timeout),
		DisableCache:  options.DisableCache,
		CacheCapacity: options.CacheCapacity,
		NegativeTTL:   time.Duration(options.NegativeTTL),
	})
	resolverOptions := options.Resolvers
	if len(resolverOptions) == 0 {
		resolverOptions = []option.ResolverOptions{{Tag: "local"}}
	}
	for i, opts := range resolverOptions {
		tag := opts.Tag
		if tag == "" {
			tag = F.ToString("resolver-", i)
		}
		if _, exists := manager.resolverByTag[tag]; exists {
			return nil, E.New("duplicate resolver tag: ", tag)
		}
		resolver, err := New(ctx, logFactory.NewLogger(F.ToString("resolver/", tag)), manager.client, tag, opts, options.Strategy)
		if err != nil {
			return nil, E.Cause(err, "initialize resolver[", tag, "]")
		}
		manager.resolvers = append(manager.resolvers, resolver)
		manager.resolverByTag[tag] = resolver
	}
	if options.Final != "" {
		defaultResolver, loaded := manager.resolverByTag[options.Final]
		if !loaded {
			return nil, E.New("default resolver not found: ", options.Final)
		}
		manager.defaultResolver = defaultResolver
	} else {
		manager.defaultResolver = manager.resolvers[0]
	}
	return manager, nil
}

func (m *Manager) Start(stage adapter.StartStage) error {
	return nil
}

func (m *Manager) Close() error {
	m.access.Lock()
	defer m.access.Unlock()
	return common.Close(common.Map(m.resolvers, func(it *Resolver) any { return it })...)
}

func (m *Manager) Resolvers() []adapter.Resolver {
	m.access.Lock()
	defer m.access.Unlock()
	return common.Map(m.resolvers, func(it *Resolver) adapter.Resolver { return it })
}

func (m *Manager) Resolver(tag string) (adapter.Resolver, bool) {
	m.access.Lock()
	defer m.access.Unlock()
	resolver, loaded := m.resolverByTag[tag]
	return resolver, loaded
}

func (m *Manager) Default() adapter.Resolver {
	m.access.Lock()
	defer m.access.Unlock()
	return m.defaultResolver
}

func (m *Manager) ClearCache() {
	m.client.ClearCache()
}

func (m *Manager) Stats() (queries uint64, cacheHits uint64) {
	return m.client.Stats()
}
