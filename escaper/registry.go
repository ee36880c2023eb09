package escaper

import (
	"context"
	"sync"

	"github.com/sagernet/sing-egress/adapter"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

type ConstructorFunc[T any] func(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options T) (adapter.Escaper, error)

func Register[Options any](registry *Registry, escaperType string, constructor ConstructorFunc[Options]) {
	registry.register(escaperType, func(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, rawOptions any) (adapter.Escaper, error) {
		var options *Options
		if rawOptions != nil {
			options = rawOptions.(*Options)
		}
		return constructor(ctx, manager, logger, tag, common.PtrValueOrDefault(options))
	})
}

var _ adapter.EscaperRegistry = (*Registry)(nil)

type constructorFunc func(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options any) (adapter.Escaper, error)

type Registry struct {
	access       sync.Mutex
	constructors map[string]constructorFunc
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]constructorFunc),
	}
}

func (r *Registry) CreateEscaper(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, escaperType string, options any) (adapter.Escaper, error) {
	r.access.Lock()
	defer r.access.Unlock()
	constructor, loaded := r.constructors[escaperType]
	if !loaded {
		return nil, E.New("escaper type not found: " + escaperType)
	}
	return constructor(ctx, manager, logger, tag, options)
}

func (r *Registry) register(escaperType string, constructor constructorFunc) {
	r.access.Lock()
	defer r.access.Unlock()
	r.constructors[escaperType] = constructor
}
