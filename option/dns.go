package option

import (
	"github.com/sagernet/sing/common/json/badoption"
)

type DNSOptions struct {
	Resolvers     []ResolverOptions  `json:"resolvers,omitempty"`
	Final         string             `json:"final,omitempty"`
	Strategy      string             `json:"strategy,omitempty"`
	Timeout       badoption.Duration `json:"timeout,omitempty"`
	DisableCache  bool               `json:"disable_cache,omitempty"`
	CacheCapacity uint32             `json:"cache_capacity,omitempty"`
	NegativeTTL   badoption.Duration `json:"negative_ttl,omitempty"`
}

type ResolverOptions struct {
	Tag      string                     `json:"tag,omitempty"`
	Servers  badoption.Listable[string] `json:"servers,omitempty"`
	Strategy string                     `json:"strategy,omitempty"`
}
