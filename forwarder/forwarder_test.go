package forwarder_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sagernet/sing-egress/forwarder"
	"github.com/sagernet/sing-egress/log"

	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- acceptResult{conn, err}
	}()
	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	result := <-accepted
	require.NoError(t, result.err)
	return clientConn, result.conn
}

func TestPumpBidirectional(t *testing.T) {
	clientApp, clientConn := tcpPair(t)
	serverConn, upstream := tcpPair(t)

	upstreamDone := make(chan error, 1)
	go func() {
		received, err := io.ReadAll(upstream)
		if err == nil && len(received) != 1000 {
			err = io.ErrUnexpectedEOF
		}
		if err == nil {
			_, err = upstream.Write(make([]byte, 2000))
		}
		upstream.Close()
		upstreamDone <- err
	}()
	clientDone := make(chan int, 1)
	go func() {
		clientApp.Write(make([]byte, 1000))
		clientApp.(*net.TCPConn).CloseWrite()
		received, _ := io.ReadAll(clientApp)
		clientApp.Close()
		clientDone <- len(received)
	}()

	var counters forwarder.Counters
	stats, err := forwarder.Pump(context.Background(), log.NewNOPFactory().Logger(), clientConn, serverConn, &counters, forwarder.Limits{
		IdleTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1000), stats.Upload)
	require.Equal(t, int64(2000), stats.Download)
	require.Equal(t, int64(1000), counters.Upload.Load())
	require.Equal(t, int64(2000), counters.Download.Load())
	require.NoError(t, <-upstreamDone)
	require.Equal(t, 2000, <-clientDone)
}

func TestPumpIdleTimeout(t *testing.T) {
	clientApp, clientConn := tcpPair(t)
	serverConn, upstream := tcpPair(t)
	defer clientApp.Close()
	defer upstream.Close()

	startedAt := time.Now()
	_, err := forwarder.Pump(context.Background(), log.NewNOPFactory().Logger(), clientConn, serverConn, nil, forwarder.Limits{
		IdleTimeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, forwarder.ErrIdleTimeout)
	require.Less(t, time.Since(startedAt), 3*time.Second)
}

func TestPumpDurationLimit(t *testing.T) {
	clientApp, clientConn := tcpPair(t)
	serverConn, upstream := tcpPair(t)
	defer clientApp.Close()
	defer upstream.Close()

	writeStop := make(chan struct{})
	defer close(writeStop)
	go func() {
		payload := make([]byte, 64)
		for {
			select {
			case <-writeStop:
				return
			default:
			}
			if _, err := clientApp.Write(payload); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	go io.Copy(io.Discard, upstream)

	_, err := forwarder.Pump(context.Background(), log.NewNOPFactory().Logger(), clientConn, serverConn, nil, forwarder.Limits{
		IdleTimeout: time.Second,
		MaxDuration: 150 * time.Millisecond,
	})
	require.ErrorIs(t, err, forwarder.ErrDurationLimit)
}

// TestPumpLimitWhileTransferring fires the duration limit while both
// directions are actively copying, repeatedly, so the race detector covers
// the window between the watcher's teardown and Pump reading the result.
func TestPumpLimitWhileTransferring(t *testing.T) {
	for i := 0; i < 20; i++ {
		clientApp, clientConn := tcpPair(t)
		serverConn, upstream := tcpPair(t)

		payload := make([]byte, 4096)
		go func() {
			for {
				if _, err := clientApp.Write(payload); err != nil {
					clientApp.Close()
					return
				}
			}
		}()
		go func() {
			for {
				if _, err := upstream.Write(payload); err != nil {
					upstream.Close()
					return
				}
			}
		}()

		_, err := forwarder.Pump(context.Background(), log.NewNOPFactory().Logger(), clientConn, serverConn, nil, forwarder.Limits{
			MaxDuration: time.Millisecond,
		})
		require.ErrorIs(t, err, forwarder.ErrDurationLimit)
	}
}

func TestPumpContextCancel(t *testing.T) {
	clientApp, clientConn := tcpPair(t)
	serverConn, upstream := tcpPair(t)
	defer clientApp.Close()
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := forwarder.Pump(ctx, log.NewNOPFactory().Logger(), clientConn, serverConn, nil, forwarder.Limits{})
	require.ErrorIs(t, err, context.Canceled)
}
