package adapter

import (
	"context"
	"net/netip"
)

// Resolver answers name lookups with an ordered candidate list. TTL-aware
// caching, negative caching and in-flight deduplication live behind this
// interface; callers never observe an address past its TTL.
type Resolver interface {
	Tag() string
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
	// Flush drops cached entries for host, used after all candidates failed
	// to connect so the next attempt re-resolves.
	Flush(host string)
}

type ResolverManager interface {
	Lifecycle
	Resolvers() []Resolver
	Resolver(tag string) (Resolver, bool)
	Default() Resolver
}
