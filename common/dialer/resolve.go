package dialer

import (
	"context"
	"net"

	"github.com/sagernet/sing-egress/adapter"

	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

var _ N.Dialer = (*ResolveDialer)(nil)

// ResolveDialer resolves domain destinations before handing them to the inner
// dialer, so downstream components only ever dial IP addresses.
type ResolveDialer struct {
	dialer   N.Dialer
	resolver adapter.Resolver
}

func NewResolveDialer(dialer N.Dialer, resolver adapter.Resolver) *ResolveDialer {
	return &ResolveDialer{dialer, resolver}
}

func (d *ResolveDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	if destination.IsIP() {
		return d.dialer.DialContext(ctx, network, destination)
	}
	addresses, err := d.resolver.Lookup(ctx, destination.Fqdn)
	if err != nil {
		return nil, E.Cause(err, "resolve ", destination.Fqdn)
	}
	conn, err := DialSerial(ctx, d.dialer, network, destination, addresses)
	if err != nil {
		d.resolver.Flush(destination.Fqdn)
		return nil, err
	}
	return conn, nil
}

func (d *ResolveDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return d.dialer.ListenPacket(ctx, destination)
}
