package dialer_test

import (
	"context"
	"net"
	"net/netip"
	"os"
	"testing"

	"github.com/sagernet/sing-egress/common/dialer"

	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/stretchr/testify/require"
)

var _ N.Dialer = (*recordingDialer)(nil)

type recordingDialer struct {
	attempts  []netip.Addr
	reachable netip.Addr
}

func (d *recordingDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	d.attempts = append(d.attempts, destination.Addr)
	if destination.Addr == d.reachable {
		conn, _ := net.Pipe()
		return conn, nil
	}
	return nil, E.New("connection refused")
}

func (d *recordingDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

func TestDialSerialFallback(t *testing.T) {
	candidates := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("192.0.2.3"),
	}
	stub := &recordingDialer{reachable: candidates[1]}
	conn, err := dialer.DialSerial(context.Background(), stub, N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", 443), candidates)
	require.NoError(t, err)
	require.NotNil(t, conn)
	conn.Close()
	require.Equal(t, candidates[:2], stub.attempts)
}

func TestDialSerialExhausted(t *testing.T) {
	candidates := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
	}
	stub := &recordingDialer{}
	_, err := dialer.DialSerial(context.Background(), stub, N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", 443), candidates)
	require.Error(t, err)
	require.Equal(t, candidates, stub.attempts)
	for _, candidate := range candidates {
		require.Contains(t, err.Error(), candidate.String())
	}
}

func TestDialSerialCanceled(t *testing.T) {
	candidates := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("192.0.2.3"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &recordingDialer{}
	_, err := dialer.DialSerial(ctx, stub, N.NetworkTCP, M.ParseSocksaddrHostPort("origin.test", 443), candidates)
	require.Error(t, err)
	require.Len(t, stub.attempts, 1)
}
