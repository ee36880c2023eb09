package resolver

import (
	"context"
	"errors"
	"net"

	C "github.com/sagernet/sing-egress/constant"
	E "github.com/sagernet/sing/common/exceptions"

	mDNS "github.com/miekg/dns"
)

var _ Transport = (*SystemTransport)(nil)

type SystemTransport struct {
	name     string
	resolver net.Resolver
}

func NewSystemTransport(name string) *SystemTransport {
	return &SystemTransport{name: name}
}

func (t *SystemTransport) Name() string {
	return t.name
}

func (t *SystemTransport) Close() error {
	return nil
}

func (t *SystemTransport) Exchange(ctx context.Context, message *mDNS.Msg) (*mDNS.Msg, error) {
	question := message.Question[0]
	var network string
	switch question.Qtype {
	case mDNS.TypeA:
		network = "ip4"
	case mDNS.TypeAAAA:
		network = "ip6"
	default:
		return nil, E.New("system resolver: unsupported query type ", mDNS.Type(question.Qtype).String())
	}
	addresses, err := t.resolver.LookupNetIP(ctx, network, FqdnToDomain(question.Name))
	if err != nil {
		var dnsError *net.DNSError
		if errors.As(err, &dnsError) && dnsError.IsNotFound {
			return RcodeResponse(message.Id, question, mDNS.RcodeNameError), nil
		}
		return nil, err
	}
	for i := range addresses {
		addresses[i] = addresses[i].Unmap()
	}
	return FixedResponse(message.Id, question, addresses, C.DefaultDNSTTL), nil
}
