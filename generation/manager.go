package generation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

var _ adapter.GenerationManager = (*Manager)(nil)

// Manager owns the sequence of configuration generations. Publish builds and
// starts a complete escaper graph before the swap, so a rejected configuration
// never disturbs the generation currently serving sessions.
type Manager struct {
	ctx             context.Context
	logger          log.ContextLogger
	logFactory      log.Factory
	registry        adapter.EscaperRegistry
	initialOptions  option.Options
	publishAccess   sync.Mutex
	access          sync.Mutex
	current         atomic.Pointer[Generation]
	nextID          atomic.Uint64
	generations     []*Generation
	publishCallback func(generationID uint64)
}

func NewManager(ctx context.Context, logger log.ContextLogger, logFactory log.Factory, registry adapter.EscaperRegistry, options option.Options) *Manager {
	return &Manager{
		ctx:            ctx,
		logger:         logger,
		logFactory:     logFactory,
		registry:       registry,
		initialOptions: options,
	}
}

// SetPublishCallback registers a function invoked after every successful
// publish, including the initial one. Must be called before Start.
func (m *Manager) SetPublishCallback(callback func(generationID uint64)) {
	m.publishCallback = callback
}

func (m *Manager) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	_, err := m.Publish(m.initialOptions)
	if err != nil {
		return E.Cause(err, "publish initial configuration")
	}
	return nil
}

func (m *Manager) Close() error {
	m.publishAccess.Lock()
	defer m.publishAccess.Unlock()
	current := m.current.Swap(nil)
	if current != nil {
		current.Release()
	}
	m.access.Lock()
	remaining := m.generations
	m.generations = nil
	m.access.Unlock()
	var err error
	for _, generation := range remaining {
		err = E.Append(err, generation.escapers.Close(), func(err error) error {
			return E.Cause(err, "close generation ", generation.id)
		})
	}
	return err
}

func (m *Manager) Current() adapter.Generation {
	for {
		generation := m.current.Load()
		if generation == nil {
			return nil
		}
		if generation.Retain() {
			return generation
		}
	}
}

func (m *Manager) Publish(options option.Options) (uint64, error) {
	m.publishAccess.Lock()
	defer m.publishAccess.Unlock()
	policies, defaultPolicy, err := compilePolicies(options.Intercept)
	if err != nil {
		return 0, err
	}
	escaperManager := escaper.NewManager(m.logFactory.NewLogger("escaper"), m.registry, options.DefaultEscaper)
	escaperManager.Initialize(func() (adapter.Escaper, error) {
		return m.registry.CreateEscaper(m.ctx, escaperManager, m.logFactory.NewLogger("escaper/direct[direct]"), "direct", C.TypeDirect, nil)
	})
	seen := make(map[string]bool, len(options.Escapers))
	for i, escaperOptions := range options.Escapers {
		tag := escaperOptions.Tag
		if tag == "" {
			tag = F.ToString("escaper-", i)
		}
		if seen[tag] {
			return 0, E.New("duplicate escaper tag: ", tag)
		}
		seen[tag] = true
		rawOptions, err := escaperOptions.RawOptions()
		if err != nil {
			return 0, err
		}
		err = escaperManager.Create(m.ctx, m.logFactory.NewLogger(F.ToString("escaper/", escaperOptions.Type, "[", tag, "]")), tag, escaperOptions.Type, rawOptions)
		if err != nil {
			return 0, E.Cause(err, "initialize escaper[", tag, "]")
		}
	}
	for _, stage := range adapter.ListStartStages {
		err = escaperManager.Start(stage)
		if err != nil {
			escaperManager.Close()
			return 0, err
		}
	}
	generation := &Generation{
		id:            m.nextID.Add(1),
		escapers:      escaperManager,
		policies:      policies,
		defaultPolicy: defaultPolicy,
		onCollect:     m.collect,
	}
	generation.refs.Store(1)
	m.access.Lock()
	m.generations = append(m.generations, generation)
	m.access.Unlock()
	previous := m.current.Swap(generation)
	m.logger.Info("published generation ", generation.id)
	if m.publishCallback != nil {
		m.publishCallback(generation.id)
	}
	if previous != nil {
		previous.Release()
	}
	return generation.id, nil
}

func (m *Manager) Generations() []adapter.GenerationInfo {
	current := m.current.Load()
	m.access.Lock()
	defer m.access.Unlock()
	return common.Map(m.generations, func(generation *Generation) adapter.GenerationInfo {
		return adapter.GenerationInfo{
			ID:       generation.id,
			Active:   generation == current,
			Refs:     generation.Refs(),
			Escapers: common.Map(generation.Escapers(), adapter.Escaper.Tag),
		}
	})
}

func (m *Manager) collect(generation *Generation) {
	m.access.Lock()
	m.generations = common.Filter(m.generations, func(it *Generation) bool {
		return it != generation
	})
	m.access.Unlock()
	m.logger.Debug("collected generation ", generation.id)
}
