package direct_test

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/include"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"

	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/service"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	addresses []netip.Addr
	err       error
	lookups   int
	flushed   []string
}

func (r *stubResolver) Tag() string {
	return "stub"
}

func (r *stubResolver) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	r.lookups++
	if r.err != nil {
		return nil, r.err
	}
	return r.addresses, nil
}

func (r *stubResolver) Flush(host string) {
	r.flushed = append(r.flushed, host)
}

type stubResolverManager struct {
	resolver adapter.Resolver
}

func (m *stubResolverManager) Start(stage adapter.StartStage) error {
	return nil
}

func (m *stubResolverManager) Close() error {
	return nil
}

func (m *stubResolverManager) Resolvers() []adapter.Resolver {
	return []adapter.Resolver{m.resolver}
}

func (m *stubResolverManager) Resolver(tag string) (adapter.Resolver, bool) {
	if tag == m.resolver.Tag() {
		return m.resolver, true
	}
	return nil, false
}

func (m *stubResolverManager) Default() adapter.Resolver {
	return m.resolver
}

func startDirect(t *testing.T, resolver adapter.Resolver, options *option.DirectEscaperOptions) adapter.Escaper {
	t.Helper()
	manager := escaper.NewManager(log.NewNOPFactory().Logger(), include.EscaperRegistry(), "")
	ctx := service.ContextWithDefaultRegistry(context.Background())
	service.MustRegister[adapter.ResolverManager](ctx, &stubResolverManager{resolver})
	require.NoError(t, manager.Create(ctx, log.NewNOPFactory().Logger(), "exit", C.TypeDirect, options))
	for _, stage := range adapter.ListStartStages {
		require.NoError(t, manager.Start(stage))
	}
	t.Cleanup(func() { manager.Close() })
	exit, found := manager.Escaper("exit")
	require.True(t, found)
	return exit
}

// closedPort reserves a local port and releases it, so connecting to it on
// any loopback address is refused immediately.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, listener.Close())
	return port
}

func TestDirectCandidateFallback(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	resolver := &stubResolver{addresses: []netip.Addr{
		netip.MustParseAddr("127.0.0.2"),
		netip.MustParseAddr("127.0.0.1"),
	}}
	exit := startDirect(t, resolver, &option.DirectEscaperOptions{})
	conn, err := exit.DialContext(context.Background(), N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", port))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", conn.RemoteAddr().(*net.TCPAddr).IP.String())
	conn.Close()
	require.Equal(t, 1, resolver.lookups)
	require.Empty(t, resolver.flushed)
}

func TestDirectMaxAttempts(t *testing.T) {
	port := closedPort(t)
	resolver := &stubResolver{addresses: []netip.Addr{
		netip.MustParseAddr("127.0.0.2"),
		netip.MustParseAddr("127.0.0.3"),
		netip.MustParseAddr("127.0.0.4"),
	}}
	exit := startDirect(t, resolver, &option.DirectEscaperOptions{MaxAttempts: 2})
	_, err := exit.DialContext(context.Background(), N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", port))
	require.Error(t, err)
	require.Equal(t, adapter.KindUnreachable, adapter.KindOf(err))
	require.Contains(t, err.Error(), "127.0.0.2")
	require.Contains(t, err.Error(), "127.0.0.3")
	require.NotContains(t, err.Error(), "127.0.0.4")
	require.Equal(t, []string{"origin.test"}, resolver.flushed)
}

func TestDirectResolutionFailed(t *testing.T) {
	resolver := &stubResolver{err: E.New("backend unavailable")}
	exit := startDirect(t, resolver, &option.DirectEscaperOptions{})
	_, err := exit.DialContext(context.Background(), N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", 443))
	require.Error(t, err)
	require.Equal(t, adapter.KindResolutionFailed, adapter.KindOf(err))
}

func TestDirectNoCandidate(t *testing.T) {
	resolver := &stubResolver{}
	exit := startDirect(t, resolver, &option.DirectEscaperOptions{})
	_, err := exit.DialContext(context.Background(), N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", 443))
	require.Error(t, err)
	require.Equal(t, adapter.KindResolutionFailed, adapter.KindOf(err))
	require.ErrorIs(t, err, adapter.ErrNoCandidate)
}

func TestDirectIPLiteral(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()
	resolver := &stubResolver{}
	exit := startDirect(t, resolver, &option.DirectEscaperOptions{})
	conn, err := exit.DialContext(context.Background(), N.NetworkTCP, M.ParseSocksaddr(listener.Addr().String()))
	require.NoError(t, err)
	conn.Close()
	require.Zero(t, resolver.lookups)
}
