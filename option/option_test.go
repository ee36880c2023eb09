package option_test

import (
	"testing"
	"time"

	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/common/json/badoption"

	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	content := `{
  "log": {"level": "debug"},
  "dns": {
    "resolvers": [
      {"tag": "cloudflare", "servers": ["tls://1.1.1.1"]},
      {"tag": "local"}
    ],
    "final": "cloudflare",
    "strategy": "prefer_ipv4",
    "timeout": "5s"
  },
  "intercept": {
    "enabled": true,
    "authority": {"certificate_path": "ca.pem", "key_path": "ca.key", "lifetime": "24h"},
    "default_policy": "inspect",
    "policies": [
      {"id": "inspect", "intercept": true, "verify": "system", "alpn": ["h2", "http/1.1"], "min_version": "1.2"}
    ]
  },
  "session": {"connect_timeout": "10s", "idle_timeout": "5m"},
  "escapers": [
    {"type": "direct", "tag": "wan", "resolver": "cloudflare", "tcp_fast_open": true},
    {"type": "proxy", "tag": "corp", "server": "proxy.internal", "server_port": 3128, "username": "svc", "tls": {"enabled": true}},
    {"type": "pool", "tag": "balance", "members": [{"escaper": "wan", "weight": 2}, {"escaper": "corp"}], "failure_threshold": 3, "cooldown": "30s"},
    {"type": "chain", "tag": "route", "links": [{"escaper": "corp", "domain_suffix": ["internal.example"]}, {"deny": true, "port": [25]}, {"escaper": "wan"}]}
  ],
  "default_escaper": "route",
  "api": {"listen": "127.0.0.1:9090", "prometheus": true}
}`
	options, err := json.UnmarshalExtended[option.Options]([]byte(content))
	require.NoError(t, err)

	require.NotNil(t, options.DNS)
	require.Equal(t, "cloudflare", options.DNS.Final)
	require.Equal(t, badoption.Duration(5*time.Second), options.DNS.Timeout)
	require.Len(t, options.DNS.Resolvers, 2)
	require.Equal(t, badoption.Listable[string]{"tls://1.1.1.1"}, options.DNS.Resolvers[0].Servers)

	require.NotNil(t, options.Intercept)
	require.True(t, options.Intercept.Enabled)
	require.Equal(t, badoption.Duration(24*time.Hour), options.Intercept.Authority.Lifetime)
	require.Equal(t, "inspect", options.Intercept.DefaultPolicy)
	require.Len(t, options.Intercept.Policies, 1)
	require.Equal(t, badoption.Listable[string]{"h2", "http/1.1"}, options.Intercept.Policies[0].ALPN)
	require.Equal(t, "1.2", options.Intercept.Policies[0].MinVersion)

	require.NotNil(t, options.Session)
	require.Equal(t, badoption.Duration(5*time.Minute), options.Session.IdleTimeout)

	require.Len(t, options.Escapers, 4)
	require.Equal(t, C.TypeDirect, options.Escapers[0].Type)
	require.Equal(t, "cloudflare", options.Escapers[0].DirectOptions.Resolver)
	require.True(t, options.Escapers[0].DirectOptions.TCPFastOpen)
	require.Equal(t, C.TypeProxy, options.Escapers[1].Type)
	require.Equal(t, "proxy.internal", options.Escapers[1].ProxyOptions.Server)
	require.Equal(t, uint16(3128), options.Escapers[1].ProxyOptions.ServerPort)
	require.NotNil(t, options.Escapers[1].ProxyOptions.TLS)
	require.True(t, options.Escapers[1].ProxyOptions.TLS.Enabled)
	require.Equal(t, C.TypePool, options.Escapers[2].Type)
	require.Len(t, options.Escapers[2].PoolOptions.Members, 2)
	require.Equal(t, 2, options.Escapers[2].PoolOptions.Members[0].Weight)
	require.Equal(t, badoption.Duration(30*time.Second), options.Escapers[2].PoolOptions.Cooldown)
	require.Equal(t, C.TypeChain, options.Escapers[3].Type)
	require.Len(t, options.Escapers[3].ChainOptions.Links, 3)
	require.True(t, options.Escapers[3].ChainOptions.Links[1].Deny)
	require.Equal(t, badoption.Listable[uint16]{25}, options.Escapers[3].ChainOptions.Links[1].Port)
	require.Equal(t, "route", options.DefaultEscaper)

	require.NotNil(t, options.API)
	require.True(t, options.API.Prometheus)

	encoded, err := json.Marshal(options)
	require.NoError(t, err)
	decoded, err := json.UnmarshalExtended[option.Options](encoded)
	require.NoError(t, err)
	require.Equal(t, options, decoded)
}

func TestDecodeUnknownEscaperType(t *testing.T) {
	_, err := json.UnmarshalExtended[option.Options]([]byte(`{"escapers": [{"type": "teleport"}]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown escaper type")
}

func TestDecodeUnknownEscaperField(t *testing.T) {
	_, err := json.UnmarshalExtended[option.Options]([]byte(`{"escapers": [{"type": "direct", "tag": "wan", "bogus": true}]}`))
	require.Error(t, err)
}
