package proxy

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/common/dialer"
	"github.com/sagernet/sing-egress/common/tls"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/option"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	sHTTP "github.com/sagernet/sing/protocol/http"
	"github.com/sagernet/sing/service"
)

func RegisterEscaper(registry *escaper.Registry) {
	escaper.Register[option.ProxyEscaperOptions](registry, C.TypeProxy, NewEscaper)
}

var _ adapter.Escaper = (*Escaper)(nil)

// Escaper forwards connections through an upstream HTTP proxy with CONNECT.
// The transport to the proxy is built at start time so a detour escaper or a
// named resolver is guaranteed to exist by then.
type Escaper struct {
	escaper.Adapter
	ctx        context.Context
	manager    adapter.EscaperManager
	logger     logger.ContextLogger
	options    option.ProxyEscaperOptions
	serverAddr M.Socksaddr
	client     *sHTTP.Client
}

func NewEscaper(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options option.ProxyEscaperOptions) (adapter.Escaper, error) {
	serverAddr := options.Build()
	if !serverAddr.IsValid() {
		return nil, E.New("missing server address")
	}
	return &Escaper{
		Adapter:    escaper.NewAdapterWithDetour(C.TypeProxy, tag, []string{N.NetworkTCP}, options.Detour),
		ctx:        ctx,
		manager:    manager,
		logger:     logger,
		options:    options,
		serverAddr: serverAddr,
	}, nil
}

func (e *Escaper) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	var detour N.Dialer
	if e.options.Detour != "" {
		detourEscaper, loaded := e.manager.Escaper(e.options.Detour)
		if !loaded {
			return E.New("detour escaper not found: ", e.options.Detour)
		}
		detour = detourEscaper
	} else {
		defaultDialer, err := dialer.NewDefault(dialer.Options{
			ConnectTimeout: time.Duration(e.options.ConnectTimeout),
		})
		if err != nil {
			return err
		}
		resolverManager := service.FromContext[adapter.ResolverManager](e.ctx)
		if resolverManager == nil {
			return E.New("resolver manager not found in context")
		}
		var nextHopResolver adapter.Resolver
		if e.options.Resolver != "" {
			resolver, loaded := resolverManager.Resolver(e.options.Resolver)
			if !loaded {
				return E.New("resolver not found: ", e.options.Resolver)
			}
			nextHopResolver = resolver
		} else {
			nextHopResolver = resolverManager.Default()
		}
		detour = dialer.NewResolveDialer(defaultDialer, nextHopResolver)
	}
	if e.options.TLS != nil && e.options.TLS.Enabled {
		tlsDialer, err := tls.NewDialerFromOptions(e.ctx, detour, e.options.Server, common.PtrValueOrDefault(e.options.TLS))
		if err != nil {
			return E.Cause(err, "create TLS dialer")
		}
		detour = tlsDialer
	}
	e.client = sHTTP.NewClient(sHTTP.Options{
		Dialer:   detour,
		Server:   e.serverAddr,
		Username: e.options.Username,
		Password: e.options.Password,
	})
	return nil
}

func (e *Escaper) Close() error {
	return nil
}

func (e *Escaper) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	ctx, metadata := adapter.ExtendContext(ctx)
	metadata.Escaper = e.Tag()
	metadata.Destination = destination
	e.logger.InfoContext(ctx, "outbound connection to ", destination, " via ", e.serverAddr)
	conn, err := e.client.DialContext(ctx, N.NetworkTCP, destination)
	if err != nil {
		return nil, &adapter.SessionError{Kind: adapter.KindNextHopFailed, Inner: err}
	}
	return conn, nil
}

func (e *Escaper) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}
