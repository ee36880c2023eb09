package resolver

import (
	"context"
	"net/netip"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	N "github.com/sagernet/sing/common/network"

	mDNS "github.com/miekg/dns"
)

var _ adapter.Resolver = (*Resolver)(nil)

// Resolver answers host lookups over an ordered list of transports. The
// first transport that returns a response wins, later ones are only tried
// after a failure.
type Resolver struct {
	tag        string
	strategy   string
	logger     logger.ContextLogger
	client     *Client
	transports []Transport
}

func New(ctx context.Context, logger logger.ContextLogger, client *Client, tag string, options option.ResolverOptions, defaultStrategy string) (*Resolver, error) {
	strategy := options.Strategy
	if strategy == "" {
		strategy = defaultStrategy
	}
	strategy, err := parseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	resolver := &Resolver{
		tag:      tag,
		strategy: strategy,
		logger:   logger,
		client:   client,
	}
	servers := options.Servers
	if len(servers) == 0 {
		servers = []string{C.DNSTypeSystem}
	}
	for _, server := range servers {
		transport, err := NewTransport(ctx, logger, N.SystemDialer, server)
		if err != nil {
			return nil, E.Cause(err, "initialize dns server ", server)
		}
		resolver.transports = append(resolver.transports, transport)
	}
	return resolver, nil
}

func (r *Resolver) Tag() string {
	return r.tag
}

func (r *Resolver) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return r.client.Lookup(ctx, r, host)
}

func (r *Resolver) Flush(host string) {
	r.client.Flush(r, host)
}

func (r *Resolver) Close() error {
	return common.Close(common.Map(r.transports, func(it Transport) any { return it })...)
}

func (r *Resolver) exchange(ctx context.Context, message *mDNS.Msg) (*mDNS.Msg, error) {
	var errs []error
	for _, transport := range r.transports {
		response, err := transport.Exchange(ctx, message)
		if err == nil {
			return response, nil
		}
		errs = append(errs, E.Cause(err, transport.Name()))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, E.Errors(errs...)
}

func parseStrategy(strategy string) (string, error) {
	switch strategy {
	case "", C.DNSStrategyPreferIPv4:
		return C.DNSStrategyPreferIPv4, nil
	case C.DNSStrategyPreferIPv6, C.DNSStrategyIPv4Only, C.DNSStrategyIPv6Only:
		return strategy, nil
	default:
		return "", E.New("unknown dns strategy: ", strategy)
	}
}
