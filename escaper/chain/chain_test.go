package chain_test

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/include"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/stretchr/testify/require"
)

type stubOptions struct{}

type stubEscaper struct {
	escaper.Adapter
	dialErr error
}

func newStub(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options stubOptions) (adapter.Escaper, error) {
	return &stubEscaper{
		Adapter: escaper.NewAdapter("stub", tag, []string{N.NetworkTCP}, nil),
		dialErr: E.New("dialed ", tag),
	}, nil
}

func (e *stubEscaper) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	return nil, e.dialErr
}

func (e *stubEscaper) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

func TestChainRouting(t *testing.T) {
	registry := include.EscaperRegistry()
	escaper.Register[stubOptions](registry, "stub", newStub)
	manager := escaper.NewManager(log.NewNOPFactory().Logger(), registry, "")
	ctx := context.Background()
	testLogger := log.NewNOPFactory().Logger()
	require.NoError(t, manager.Create(ctx, testLogger, "left", "stub", &stubOptions{}))
	require.NoError(t, manager.Create(ctx, testLogger, "right", "stub", &stubOptions{}))
	require.NoError(t, manager.Create(ctx, testLogger, "entry", C.TypeChain, &option.ChainEscaperOptions{
		Links: []option.ChainLinkOptions{
			{Escaper: "left", DomainSuffix: []string{"example.org"}, Port: []uint16{443}},
			{Escaper: "right", IPCIDR: []string{"10.0.0.0/8"}},
			{Deny: true, Domain: []string{"blocked.test"}},
		},
	}))
	for _, stage := range adapter.ListStartStages {
		require.NoError(t, manager.Start(stage))
	}
	entry, found := manager.Escaper("entry")
	require.True(t, found)

	_, err := entry.DialContext(ctx, N.NetworkTCP, M.ParseSocksaddrHostPort("a.example.org", 443))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dialed left")

	_, err = entry.DialContext(ctx, N.NetworkTCP, M.ParseSocksaddrHostPort("10.1.2.3", 80))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dialed right")

	_, err = entry.DialContext(ctx, N.NetworkTCP, M.ParseSocksaddrHostPort("blocked.test", 80))
	require.ErrorIs(t, err, adapter.ErrPolicyDenied)
	require.Equal(t, adapter.KindPolicyDenied, adapter.KindOf(err))

	_, err = entry.DialContext(ctx, N.NetworkTCP, M.ParseSocksaddrHostPort("a.example.org", 80))
	require.ErrorIs(t, err, adapter.ErrPolicyDenied)
	require.Equal(t, adapter.KindPolicyDenied, adapter.KindOf(err))
}
