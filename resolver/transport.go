package resolver

import (
	"context"
	"net/url"
	"strings"

	C "github.com/sagernet/sing-egress/constant"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"

	mDNS "github.com/miekg/dns"
)

type Transport interface {
	Name() string
	Exchange(ctx context.Context, message *mDNS.Msg) (*mDNS.Msg, error)
	Close() error
}

// NewTransport builds a transport from a server address. Accepted forms are
// "system", "udp://1.1.1.1", "tcp://1.1.1.1:53", "tls://1.1.1.1:853#sni" and
// a bare address, which is treated as UDP on port 53.
func NewTransport(ctx context.Context, logger logger.ContextLogger, dialer N.Dialer, address string) (Transport, error) {
	if address == C.DNSTypeSystem || address == "local" {
		return NewSystemTransport(address), nil
	}
	scheme := C.DNSTypeUDP
	serverName := ""
	if strings.Contains(address, "://") {
		serverURL, err := url.Parse(address)
		if err != nil {
			return nil, E.Cause(err, "parse dns server address")
		}
		scheme = serverURL.Scheme
		address = serverURL.Host
		serverName = serverURL.Fragment
	}
	serverAddr := M.ParseSocksaddr(address)
	if serverAddr.Port == 0 {
		switch scheme {
		case C.DNSTypeTLS:
			serverAddr.Port = 853
		default:
			serverAddr.Port = 53
		}
	}
	if !serverAddr.IsValid() {
		return nil, E.New("invalid dns server address: ", address)
	}
	switch scheme {
	case C.DNSTypeUDP:
		return NewUDPTransport(logger, dialer, serverAddr), nil
	case C.DNSTypeTCP:
		return NewTCPTransport(dialer, serverAddr), nil
	case C.DNSTypeTLS:
		return NewTLSTransport(ctx, dialer, serverAddr, serverName)
	default:
		return nil, E.New("unknown dns server scheme: ", scheme)
	}
}
