package option

import (
	C "github.com/sagernet/sing-egress/constant"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/json/badoption"
)

type _Escaper struct {
	Type          string               `json:"type"`
	Tag           string               `json:"tag,omitempty"`
	DirectOptions DirectEscaperOptions `json:"-"`
	ProxyOptions  ProxyEscaperOptions  `json:"-"`
	PoolOptions   PoolEscaperOptions   `json:"-"`
	ChainOptions  ChainEscaperOptions  `json:"-"`
}

type Escaper _Escaper

func (h Escaper) MarshalJSON() ([]byte, error) {
	var v any
	switch h.Type {
	case C.TypeDirect:
		v = h.DirectOptions
	case C.TypeProxy:
		v = h.ProxyOptions
	case C.TypePool:
		v = h.PoolOptions
	case C.TypeChain:
		v = h.ChainOptions
	default:
		return nil, E.New("unknown escaper type: ", h.Type)
	}
	return MarshallObjects((_Escaper)(h), v)
}

func (h *Escaper) UnmarshalJSON(bytes []byte) error {
	err := json.Unmarshal(bytes, (*_Escaper)(h))
	if err != nil {
		return err
	}
	var v any
	switch h.Type {
	case C.TypeDirect:
		v = &h.DirectOptions
	case C.TypeProxy:
		v = &h.ProxyOptions
	case C.TypePool:
		v = &h.PoolOptions
	case C.TypeChain:
		v = &h.ChainOptions
	default:
		return E.New("unknown escaper type: ", h.Type)
	}
	err = UnmarshallExcluded(bytes, (*_Escaper)(h), v)
	if err != nil {
		return E.Cause(err, "escaper options")
	}
	return nil
}

// RawOptions returns the typed options for the escaper's declared type, as
// the registry constructors expect them.
func (h *Escaper) RawOptions() (any, error) {
	switch h.Type {
	case C.TypeDirect:
		return &h.DirectOptions, nil
	case C.TypeProxy:
		return &h.ProxyOptions, nil
	case C.TypePool:
		return &h.PoolOptions, nil
	case C.TypeChain:
		return &h.ChainOptions, nil
	default:
		return nil, E.New("unknown escaper type: ", h.Type)
	}
}

type DirectEscaperOptions struct {
	Resolver       string             `json:"resolver,omitempty"`
	BindAddress    string             `json:"bind_address,omitempty"`
	BindInterface  string             `json:"bind_interface,omitempty"`
	ConnectTimeout badoption.Duration `json:"connect_timeout,omitempty"`
	TotalTimeout   badoption.Duration `json:"total_timeout,omitempty"`
	MaxAttempts    int                `json:"max_attempts,omitempty"`
	TCPFastOpen    bool               `json:"tcp_fast_open,omitempty"`
}

type ProxyEscaperOptions struct {
	ServerOptions
	Username       string              `json:"username,omitempty"`
	Password       string              `json:"password,omitempty"`
	TLS            *OutboundTLSOptions `json:"tls,omitempty"`
	Detour         string              `json:"detour,omitempty"`
	Resolver       string              `json:"resolver,omitempty"`
	ConnectTimeout badoption.Duration  `json:"connect_timeout,omitempty"`
}

type PoolEscaperOptions struct {
	Members          []PoolMemberOptions `json:"members"`
	Policy           string              `json:"policy,omitempty"`
	FailureThreshold int                 `json:"failure_threshold,omitempty"`
	Cooldown         badoption.Duration  `json:"cooldown,omitempty"`
	HalfOpenRate     float64             `json:"half_open_rate,omitempty"`
}

type PoolMemberOptions struct {
	Escaper string `json:"escaper"`
	Weight  int    `json:"weight,omitempty"`
}

type ChainEscaperOptions struct {
	Links []ChainLinkOptions `json:"links"`
}

type ChainLinkOptions struct {
	Escaper      string                     `json:"escaper,omitempty"`
	Deny         bool                       `json:"deny,omitempty"`
	Domain       badoption.Listable[string] `json:"domain,omitempty"`
	DomainSuffix badoption.Listable[string] `json:"domain_suffix,omitempty"`
	IPCIDR       badoption.Listable[string] `json:"ip_cidr,omitempty"`
	Port         badoption.Listable[uint16] `json:"port,omitempty"`
}
