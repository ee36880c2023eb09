package dialer

import (
	"context"
	"net"
	"net/netip"
	"time"

	C "github.com/sagernet/sing-egress/constant"

	"github.com/database64128/tfo-go/v2"
	"github.com/sagernet/sing/common/control"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

type Options struct {
	BindAddress    string
	BindInterface  string
	ConnectTimeout time.Duration
	TCPFastOpen    bool
}

var _ N.Dialer = (*DefaultDialer)(nil)

// DefaultDialer opens system sockets, optionally bound to a local address or
// interface. The per-family split keeps a single bind address from breaking
// connections of the other family.
type DefaultDialer struct {
	dialer4     tfo.Dialer
	dialer6     tfo.Dialer
	udpDialer4  net.Dialer
	udpDialer6  net.Dialer
	udpListener net.ListenConfig
	udpAddr4    string
	udpAddr6    string
}

func NewDefault(options Options) (*DefaultDialer, error) {
	var dialer net.Dialer
	var listener net.ListenConfig
	if options.BindInterface != "" {
		bindFunc := control.BindToInterface(control.NewDefaultInterfaceFinder(), options.BindInterface, -1)
		dialer.Control = control.Append(dialer.Control, bindFunc)
		listener.Control = control.Append(listener.Control, bindFunc)
	}
	if options.ConnectTimeout != 0 {
		dialer.Timeout = options.ConnectTimeout
	} else {
		dialer.Timeout = C.TCPTimeout
	}
	var (
		dialer4    = dialer
		udpDialer4 = dialer
		udpAddr4   string
		dialer6    = dialer
		udpDialer6 = dialer
		udpAddr6   string
	)
	if options.BindAddress != "" {
		bindAddr, err := netip.ParseAddr(options.BindAddress)
		if err != nil {
			return nil, E.Cause(err, "parse bind address")
		}
		if bindAddr.Is4() {
			dialer4.LocalAddr = &net.TCPAddr{IP: bindAddr.AsSlice()}
			udpDialer4.LocalAddr = &net.UDPAddr{IP: bindAddr.AsSlice()}
			udpAddr4 = M.SocksaddrFrom(bindAddr, 0).String()
		} else {
			dialer6.LocalAddr = &net.TCPAddr{IP: bindAddr.AsSlice()}
			udpDialer6.LocalAddr = &net.UDPAddr{IP: bindAddr.AsSlice()}
			udpAddr6 = M.SocksaddrFrom(bindAddr, 0).String()
		}
	}
	return &DefaultDialer{
		tfo.Dialer{Dialer: dialer4, DisableTFO: !options.TCPFastOpen},
		tfo.Dialer{Dialer: dialer6, DisableTFO: !options.TCPFastOpen},
		udpDialer4,
		udpDialer6,
		listener,
		udpAddr4,
		udpAddr6,
	}, nil
}

func (d *DefaultDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	if !destination.IsValid() {
		return nil, E.New("invalid address")
	}
	switch N.NetworkName(network) {
	case N.NetworkUDP:
		if !destination.IsIPv6() {
			return d.udpDialer4.DialContext(ctx, network, destination.String())
		}
		return d.udpDialer6.DialContext(ctx, network, destination.String())
	}
	if !destination.IsIPv6() {
		return d.dialer4.DialContext(ctx, network, destination.String(), nil)
	}
	return d.dialer6.DialContext(ctx, network, destination.String(), nil)
}

func (d *DefaultDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	if !destination.IsIPv6() {
		return d.udpListener.ListenPacket(ctx, N.NetworkUDP, d.udpAddr4)
	}
	return d.udpListener.ListenPacket(ctx, N.NetworkUDP, d.udpAddr6)
}
