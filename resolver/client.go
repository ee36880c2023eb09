package resolver

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	"github.com/sagernet/sing/common/task"
	"github.com/sagernet/sing/contrab/freelru"
	"github.com/sagernet/sing/contrab/maphash"

	mDNS "github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

var ErrNameNotFound = E.New("name not found")

type RCodeError uint16

func (e RCodeError) Error() string {
	return "rcode " + strconv.Itoa(int(e)) + ": " + mDNS.RcodeToString[int(e)]
}

// Client owns the lookup cache and collapses concurrent lookups for the
// same question into a single upstream query. It is shared by every
// resolver of a manager.
type Client struct {
	ctx          context.Context
	logger       logger.ContextLogger
	timeout      time.Duration
	disableCache bool
	negativeTTL  time.Duration
	cache        freelru.Cache[cacheKey, *cacheEntry]
	flights      singleflight.Group
	queries      atomic.Uint64
	cacheHits    atomic.Uint64
}

type cacheKey struct {
	Tag      string
	Strategy string
	Host     string
}

// cacheEntry boxes an answer so the LRU value type stays comparable. An entry
// with no addresses is a cached negative result.
type cacheEntry struct {
	addresses []netip.Addr
}

type ClientOptions struct {
	Context       context.Context
	Logger        logger.ContextLogger
	Timeout       time.Duration
	DisableCache  bool
	CacheCapacity uint32
	NegativeTTL   time.Duration
}

func NewClient(options ClientOptions) *Client {
	client := &Client{
		ctx:          options.Context,
		logger:       options.Logger,
		timeout:      options.Timeout,
		disableCache: options.DisableCache,
		negativeTTL:  options.NegativeTTL,
	}
	if client.ctx == nil {
		client.ctx = context.Background()
	}
	if client.timeout == 0 {
		client.timeout = C.DNSTimeout
	}
	if client.negativeTTL == 0 {
		client.negativeTTL = C.NegativeTTL
	}
	cacheCapacity := options.CacheCapacity
	if cacheCapacity < 1024 {
		cacheCapacity = 1024
	}
	if !client.disableCache {
		client.cache = common.Must1(freelru.NewSharded[cacheKey, *cacheEntry](cacheCapacity, maphash.NewHasher[cacheKey]().Hash32))
	}
	return client
}

func (c *Client) Lookup(ctx context.Context, resolver *Resolver, host string) ([]netip.Addr, error) {
	if address, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{address.Unmap()}, nil
	}
	host = FqdnToDomain(host)
	if _, ok := mDNS.IsDomainName(host); !ok {
		return nil, E.New("invalid domain name: ", host)
	}
	key := cacheKey{resolver.tag, resolver.strategy, host}
	if c.cache != nil {
		if entry, _, loaded := c.cache.GetWithLifetime(key); loaded {
			c.cacheHits.Add(1)
			if len(entry.addresses) == 0 {
				return nil, E.Cause(ErrNameNotFound, host)
			}
			return entry.addresses, nil
		}
	}
	resultChan := c.flights.DoChan(key.Tag+"\x00"+key.Strategy+"\x00"+key.Host, func() (any, error) {
		queryCtx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		return c.lookup(queryCtx, resolver, key)
	})
	select {
	case result := <-resultChan:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.([]netip.Addr), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Flush(resolver *Resolver, host string) {
	if c.cache == nil {
		return
	}
	c.cache.Remove(cacheKey{resolver.tag, resolver.strategy, FqdnToDomain(host)})
}

func (c *Client) ClearCache() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

// Stats reports cumulative resolution rounds sent upstream and lookups
// answered from the cache. Coalesced waiters count toward neither.
func (c *Client) Stats() (queries uint64, cacheHits uint64) {
	return c.queries.Load(), c.cacheHits.Load()
}

func (c *Client) lookup(ctx context.Context, resolver *Resolver, key cacheKey) ([]netip.Addr, error) {
	c.queries.Add(1)
	var (
		addresses  []netip.Addr
		timeToLive uint32
		err        error
	)
	for attempt := 0; ; attempt++ {
		addresses, timeToLive, err = c.lookupOnce(ctx, resolver, key.Host)
		if err == nil || attempt > 0 || errors.Is(err, ErrNameNotFound) || ctx.Err() != nil {
			break
		}
		c.logger.DebugContext(ctx, "lookup ", key.Host, ": ", err, ", retrying")
	}
	if err != nil {
		if errors.Is(err, ErrNameNotFound) {
			if c.cache != nil {
				c.cache.AddWithLifetime(key, new(cacheEntry), c.negativeTTL)
			}
			return nil, E.Cause(ErrNameNotFound, key.Host)
		}
		return nil, err
	}
	// A zero TTL marks the answer uncacheable.
	if c.cache != nil && timeToLive > 0 {
		c.cache.AddWithLifetime(key, &cacheEntry{addresses}, time.Second*time.Duration(timeToLive))
	}
	return addresses, nil
}

func (c *Client) lookupOnce(ctx context.Context, resolver *Resolver, host string) ([]netip.Addr, uint32, error) {
	if resolver.strategy == C.DNSStrategyIPv4Only || resolver.strategy == C.DNSStrategyIPv6Only {
		queryType := mDNS.TypeA
		if resolver.strategy == C.DNSStrategyIPv6Only {
			queryType = mDNS.TypeAAAA
		}
		addresses, timeToLive, err := c.lookupFamily(ctx, resolver, host, queryType)
		if err != nil {
			return nil, 0, err
		}
		if len(addresses) == 0 {
			return nil, 0, ErrNameNotFound
		}
		return addresses, timeToLive, nil
	}
	var (
		response4 []netip.Addr
		response6 []netip.Addr
		ttl4      uint32
		ttl6      uint32
	)
	var group task.Group
	group.Append("exchange4", func(ctx context.Context) error {
		response, timeToLive, err := c.lookupFamily(ctx, resolver, host, mDNS.TypeA)
		if err != nil {
			return err
		}
		response4 = response
		ttl4 = timeToLive
		return nil
	})
	group.Append("exchange6", func(ctx context.Context) error {
		response, timeToLive, err := c.lookupFamily(ctx, resolver, host, mDNS.TypeAAAA)
		if err != nil {
			return err
		}
		response6 = response
		ttl6 = timeToLive
		return nil
	})
	err := group.Run(ctx)
	if len(response4) == 0 && len(response6) == 0 {
		if err == nil {
			err = ErrNameNotFound
		}
		return nil, 0, err
	}
	return sortAddresses(response4, response6, resolver.strategy), mergeTTL(response4, ttl4, response6, ttl6), nil
}

func (c *Client) lookupFamily(ctx context.Context, resolver *Resolver, host string, queryType uint16) ([]netip.Addr, uint32, error) {
	message := new(mDNS.Msg)
	message.SetQuestion(mDNS.Fqdn(host), queryType)
	response, err := resolver.exchange(ctx, message)
	if err != nil {
		return nil, 0, err
	}
	addresses, err := MessageToAddresses(response)
	if err != nil {
		return nil, 0, err
	}
	return addresses, minimumTTL(response), nil
}

func sortAddresses(response4 []netip.Addr, response6 []netip.Addr, strategy string) []netip.Addr {
	if strategy == C.DNSStrategyPreferIPv6 {
		return append(response6, response4...)
	} else {
		return append(response4, response6...)
	}
}

// mergeTTL combines the family TTLs, counting only families that produced
// addresses. A zero TTL from a contributing family makes the merged answer
// uncacheable.
func mergeTTL(response4 []netip.Addr, ttl4 uint32, response6 []netip.Addr, ttl6 uint32) uint32 {
	if len(response4) == 0 {
		return ttl6
	}
	if len(response6) == 0 {
		return ttl4
	}
	if ttl4 == 0 || ttl6 == 0 {
		return 0
	}
	if ttl4 < ttl6 {
		return ttl4
	}
	return ttl6
}

func MessageToAddresses(response *mDNS.Msg) ([]netip.Addr, error) {
	if response.Rcode != mDNS.RcodeSuccess && response.Rcode != mDNS.RcodeNameError {
		return nil, RCodeError(response.Rcode)
	}
	addresses := make([]netip.Addr, 0, len(response.Answer))
	for _, rawAnswer := range response.Answer {
		switch answer := rawAnswer.(type) {
		case *mDNS.A:
			addresses = append(addresses, M.AddrFromIP(answer.A))
		case *mDNS.AAAA:
			addresses = append(addresses, M.AddrFromIP(answer.AAAA))
		}
	}
	return addresses, nil
}
