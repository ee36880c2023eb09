package direct

import (
	"context"
	"net"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/common/dialer"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/option"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/service"
)

func RegisterEscaper(registry *escaper.Registry) {
	escaper.Register[option.DirectEscaperOptions](registry, C.TypeDirect, NewEscaper)
}

var _ adapter.Escaper = (*Escaper)(nil)

// Escaper connects straight to the destination. Domain destinations are
// resolved here, then candidates are tried in resolver order until one
// connects or the attempt cap is hit.
type Escaper struct {
	escaper.Adapter
	ctx          context.Context
	logger       logger.ContextLogger
	dialer       N.Dialer
	resolverTag  string
	resolver     adapter.Resolver
	maxAttempts  int
	totalTimeout time.Duration
}

func NewEscaper(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options option.DirectEscaperOptions) (adapter.Escaper, error) {
	outboundDialer, err := dialer.NewDefault(dialer.Options{
		BindAddress:    options.BindAddress,
		BindInterface:  options.BindInterface,
		ConnectTimeout: time.Duration(options.ConnectTimeout),
		TCPFastOpen:    options.TCPFastOpen,
	})
	if err != nil {
		return nil, err
	}
	return &Escaper{
		Adapter:      escaper.NewAdapter(C.TypeDirect, tag, []string{N.NetworkTCP, N.NetworkUDP}, nil),
		ctx:          ctx,
		logger:       logger,
		dialer:       outboundDialer,
		resolverTag:  options.Resolver,
		maxAttempts:  options.MaxAttempts,
		totalTimeout: time.Duration(options.TotalTimeout),
	}, nil
}

func (e *Escaper) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	resolverManager := service.FromContext[adapter.ResolverManager](e.ctx)
	if resolverManager == nil {
		return E.New("resolver manager not found in context")
	}
	if e.resolverTag != "" {
		resolver, loaded := resolverManager.Resolver(e.resolverTag)
		if !loaded {
			return E.New("resolver not found: ", e.resolverTag)
		}
		e.resolver = resolver
	} else {
		e.resolver = resolverManager.Default()
	}
	return nil
}

func (e *Escaper) Close() error {
	return nil
}

func (e *Escaper) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	ctx, metadata := adapter.ExtendContext(ctx)
	metadata.Escaper = e.Tag()
	metadata.Destination = destination
	network = N.NetworkName(network)
	switch network {
	case N.NetworkTCP:
		e.logger.InfoContext(ctx, "outbound connection to ", destination)
	case N.NetworkUDP:
		e.logger.InfoContext(ctx, "outbound packet connection to ", destination)
	}
	if e.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.totalTimeout)
		defer cancel()
	}
	if destination.IsIP() {
		conn, err := e.dialer.DialContext(ctx, network, destination)
		if err != nil {
			return nil, adapter.MarkError(adapter.KindUnreachable, err)
		}
		return conn, nil
	}
	addresses, err := e.resolver.Lookup(ctx, destination.Fqdn)
	if err != nil {
		return nil, adapter.MarkError(adapter.KindResolutionFailed, E.Cause(err, "resolve ", destination.Fqdn))
	}
	metadata.ResolvedAddresses = addresses
	candidates := addresses
	if e.maxAttempts > 0 && len(candidates) > e.maxAttempts {
		candidates = candidates[:e.maxAttempts]
	}
	if len(candidates) == 0 {
		return nil, adapter.MarkError(adapter.KindResolutionFailed, adapter.ErrNoCandidate)
	}
	conn, err := dialer.DialSerial(ctx, e.dialer, network, destination, candidates)
	if err != nil {
		e.resolver.Flush(destination.Fqdn)
		return nil, adapter.MarkError(adapter.KindUnreachable, err)
	}
	return conn, nil
}

func (e *Escaper) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	ctx, metadata := adapter.ExtendContext(ctx)
	metadata.Escaper = e.Tag()
	e.logger.InfoContext(ctx, "outbound packet connection")
	return e.dialer.ListenPacket(ctx, destination)
}
