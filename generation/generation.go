package generation

import (
	"sync/atomic"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/escaper"

	"github.com/sagernet/sing/common"
)

var _ adapter.Generation = (*Generation)(nil)

// Generation is one published configuration snapshot. The manager holds the
// initial reference; every session retains its own for the session lifetime.
// When the last reference goes, the snapshot's escapers are closed and the
// generation disappears from introspection.
type Generation struct {
	id            uint64
	refs          atomic.Int32
	escapers      *escaper.Manager
	policies      map[string]*adapter.InterceptPolicy
	defaultPolicy string
	onCollect     func(*Generation)
}

func (g *Generation) ID() uint64 {
	return g.id
}

func (g *Generation) Escaper(tag string) (adapter.Escaper, bool) {
	return g.escapers.Escaper(tag)
}

func (g *Generation) DefaultEscaper() adapter.Escaper {
	return g.escapers.Default()
}

func (g *Generation) Escapers() []adapter.Escaper {
	return g.escapers.Escapers()
}

// Policy returns the intercept policy for id, the default policy when id is
// empty, or nil when neither is configured.
func (g *Generation) Policy(id string) *adapter.InterceptPolicy {
	if id == "" {
		id = g.defaultPolicy
	}
	if id == "" {
		return nil
	}
	return g.policies[id]
}

// Retain adds a reference, failing once the generation has already drained.
// Callers that see false must re-fetch the current generation.
func (g *Generation) Retain() bool {
	for {
		refs := g.refs.Load()
		if refs <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (g *Generation) Release() {
	if g.refs.Add(-1) == 0 {
		common.Close(g.escapers)
		if g.onCollect != nil {
			g.onCollect(g)
		}
	}
}

func (g *Generation) Refs() int32 {
	return g.refs.Load()
}
