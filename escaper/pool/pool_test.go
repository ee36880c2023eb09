package pool_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/escaper"
	"github.com/sagernet/sing-egress/escaper/pool"
	"github.com/sagernet/sing-egress/include"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json/badoption"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/stretchr/testify/require"
)

type stubOptions struct {
	Fail bool
}

type stubEscaper struct {
	escaper.Adapter
	fail bool
}

func newStub(ctx context.Context, manager adapter.EscaperManager, logger logger.ContextLogger, tag string, options stubOptions) (adapter.Escaper, error) {
	return &stubEscaper{
		Adapter: escaper.NewAdapter("stub", tag, []string{N.NetworkTCP}, nil),
		fail:    options.Fail,
	}, nil
}

func (e *stubEscaper) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	if e.fail {
		return nil, E.New("stub refused")
	}
	clientConn, _ := net.Pipe()
	return clientConn, nil
}

func (e *stubEscaper) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

func startPool(t *testing.T, poolOptions *option.PoolEscaperOptions, stubs map[string]bool) *pool.Escaper {
	registry := include.EscaperRegistry()
	escaper.Register[stubOptions](registry, "stub", newStub)
	manager := escaper.NewManager(log.NewNOPFactory().Logger(), registry, "")
	ctx := context.Background()
	testLogger := log.NewNOPFactory().Logger()
	for tag, fail := range stubs {
		require.NoError(t, manager.Create(ctx, testLogger, tag, "stub", &stubOptions{Fail: fail}))
	}
	require.NoError(t, manager.Create(ctx, testLogger, "balancer", C.TypePool, poolOptions))
	for _, stage := range adapter.ListStartStages {
		require.NoError(t, manager.Start(stage))
	}
	balancer, found := manager.Escaper("balancer")
	require.True(t, found)
	return balancer.(*pool.Escaper)
}

func TestPoolFallbackAndCooldown(t *testing.T) {
	balancer := startPool(t, &option.PoolEscaperOptions{
		Members: []option.PoolMemberOptions{
			{Escaper: "bad"},
			{Escaper: "good"},
		},
		FailureThreshold: 2,
		Cooldown:         badoption.Duration(time.Minute),
	}, map[string]bool{"bad": true, "good": false})
	ctx := context.Background()
	destination := M.ParseSocksaddrHostPort("192.0.2.1", 80)
	for i := 0; i < 6; i++ {
		conn, err := balancer.DialContext(ctx, N.NetworkTCP, destination)
		require.NoError(t, err)
		conn.Close()
	}
	states := make(map[string]string)
	for _, status := range balancer.MemberStatus() {
		states[status.Tag] = status.State
		require.Equal(t, int64(0), status.Active)
	}
	require.Equal(t, "cooldown", states["bad"])
	require.Equal(t, "healthy", states["good"])
}

// TestPoolExhausted drives the only member into cooldown and checks that
// later dials still attempt it before surfacing unreachable.
func TestPoolExhausted(t *testing.T) {
	balancer := startPool(t, &option.PoolEscaperOptions{
		Members:          []option.PoolMemberOptions{{Escaper: "bad"}},
		FailureThreshold: 1,
		Cooldown:         badoption.Duration(time.Minute),
	}, map[string]bool{"bad": true})
	ctx := context.Background()
	destination := M.ParseSocksaddrHostPort("192.0.2.1", 80)
	_, err := balancer.DialContext(ctx, N.NetworkTCP, destination)
	require.Error(t, err)
	require.Equal(t, adapter.KindUnreachable, adapter.KindOf(err))
	require.Contains(t, err.Error(), "stub refused")
	require.Equal(t, "cooldown", balancer.MemberStatus()[0].State)

	_, err = balancer.DialContext(ctx, N.NetworkTCP, destination)
	require.Error(t, err)
	require.Equal(t, adapter.KindUnreachable, adapter.KindOf(err))
	require.Contains(t, err.Error(), "stub refused")
	require.Equal(t, "cooldown", balancer.MemberStatus()[0].State)
}

func TestPoolActiveTracking(t *testing.T) {
	balancer := startPool(t, &option.PoolEscaperOptions{
		Members: []option.PoolMemberOptions{{Escaper: "good"}},
	}, map[string]bool{"good": false})
	ctx := context.Background()
	destination := M.ParseSocksaddrHostPort("192.0.2.1", 80)
	conn, err := balancer.DialContext(ctx, N.NetworkTCP, destination)
	require.NoError(t, err)
	require.Equal(t, int64(1), balancer.MemberStatus()[0].Active)
	conn.Close()
	conn.Close()
	require.Equal(t, int64(0), balancer.MemberStatus()[0].Active)
}
