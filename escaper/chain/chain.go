package chain

import (
	"context"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/option"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

func RegisterEscaper(registry *escaper.Registry) {
	escaper.Register[option.ChainEscaperOptions](registry, C.TypeChain, NewEscaper)
}

var _ adapter.Escaper = (*Escaper)(nil)

// Escaper routes each connection through the first link whose matchers cover
// the destination. A matching deny link vetoes the connection; when no link
// matches, the chain fails closed.
type Escaper struct {
	escaper.Adapter
	ctx     context.Context
	manager adapter.EscaperManager
	logger  logger.ContextLogger
	links   []*chainLink
}

type chainLink struct {
	escaperTag string
	deny       bool
	escaper    adapter.Escaper
	domains    map[string]bool
	suffixes   []string
	prefixes   []netip.Prefix
	ports      map[uint16]bool
}

func NewEscaper(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options option.ChainEscaperOptions) (adapter.Escaper, error) {
	if len(options.Links) == 0 {
		return nil, E.New("missing links")
	}
	links := make([]*chainLink, 0, len(options.Links))
	var dependencies []string
	for i, linkOptions := range options.Links {
		if linkOptions.Escaper != "" && linkOptions.Deny {
			return nil, E.New("link ", i, ": escaper and deny are mutually exclusive")
		}
		if linkOptions.Escaper == "" && !linkOptions.Deny {
			return nil, E.New("link ", i, ": missing escaper or deny")
		}
		link := &chainLink{
			escaperTag: linkOptions.Escaper,
			deny:       linkOptions.Deny,
		}
		if len(linkOptions.Domain) > 0 {
			link.domains = make(map[string]bool, len(linkOptions.Domain))
			for _, domain := range linkOptions.Domain {
				link.domains[normalizeDomain(domain)] = true
			}
		}
		for _, suffix := range linkOptions.DomainSuffix {
			link.suffixes = append(link.suffixes, strings.TrimPrefix(normalizeDomain(suffix), "."))
		}
		for _, cidr := range linkOptions.IPCIDR {
			prefix, err := parsePrefix(cidr)
			if err != nil {
				return nil, E.Cause(err, "link ", i, ": parse ip_cidr")
			}
			link.prefixes = append(link.prefixes, prefix)
		}
		if len(linkOptions.Port) > 0 {
			link.ports = make(map[uint16]bool, len(linkOptions.Port))
			for _, port := range linkOptions.Port {
				link.ports[port] = true
			}
		}
		if link.escaperTag != "" {
			dependencies = append(dependencies, link.escaperTag)
		}
		links = append(links, link)
	}
	return &Escaper{
		Adapter: escaper.NewAdapter(C.TypeChain, tag, []string{N.NetworkTCP}, dependencies),
		ctx:     ctx,
		manager: manager,
		logger:  logger,
		links:   links,
	}, nil
}

func (e *Escaper) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	for i, link := range e.links {
		if link.escaperTag == "" {
			continue
		}
		linkEscaper, loaded := e.manager.Escaper(link.escaperTag)
		if !loaded {
			return E.New("link ", i, " escaper not found: ", link.escaperTag)
		}
		link.escaper = linkEscaper
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
	for i, link := range e.links {
		if !link.matches(destination) {
			continue
		}
		if link.deny {
			e.logger.InfoContext(ctx, "connection to ", destination, " denied by link ", i)
			return nil, adapter.MarkError(adapter.KindPolicyDenied, adapter.ErrPolicyDenied)
		}
		e.logger.DebugContext(ctx, "connection to ", destination, " routed to ", link.escaperTag, " by link ", i)
		return link.escaper.DialContext(ctx, network, destination)
	}
	e.logger.InfoContext(ctx, "connection to ", destination, " matched no link")
	return nil, adapter.MarkError(adapter.KindPolicyDenied, E.Cause(adapter.ErrPolicyDenied, "no matching link"))
}

func (e *Escaper) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

// matches applies the link's matcher categories as a conjunction: every
// configured category must cover the destination, and a link with no matchers
// covers everything.
func (l *chainLink) matches(destination M.Socksaddr) bool {
	if len(l.ports) > 0 && !l.ports[destination.Port] {
		return false
	}
	if len(l.domains) > 0 || len(l.suffixes) > 0 {
		if !destination.IsFqdn() {
			return false
		}
		domain := normalizeDomain(destination.Fqdn)
		if !l.domains[domain] && !matchesSuffix(l.suffixes, domain) {
			return false
		}
	}
	if len(l.prefixes) > 0 {
		if !destination.IsIP() {
			return false
		}
		address := destination.Addr.Unmap()
		matched := false
		for _, prefix := range l.prefixes {
			if prefix.Contains(address) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func matchesSuffix(suffixes []string, domain string) bool {
	for _, suffix := range suffixes {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(domain), ".")
}

func parsePrefix(cidr string) (netip.Prefix, error) {
	if !strings.Contains(cidr, "/") {
		address, err := netip.ParseAddr(cidr)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(address, address.BitLen()), nil
	}
	return netip.ParsePrefix(cidr)
}
