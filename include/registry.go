package include

import (
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/escaper/chain"
	"github.com/sagernet/sing-egress/escaper/direct"
	"github.com/sagernet/sing-egress/escaper/pool"
	"github.com/sagernet/sing-egress/escaper/proxy"
)

func EscaperRegistry() *escaper.Registry {
	registry := escaper.NewRegistry()

	direct.RegisterEscaper(registry)
	proxy.RegisterEscaper(registry)
	pool.RegisterEscaper(registry)
	chain.RegisterEscaper(registry)

	return registry
}
