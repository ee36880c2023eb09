package session_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/forger"
	"github.com/sagernet/sing-egress/generation"
	"github.com/sagernet/sing-egress/include"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing-egress/resolver"
	"github.com/sagernet/sing-egress/session"
	"github.com/sagernet/sing-egress/telemetry"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/common/observable"
	"github.com/sagernet/sing/service"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, policyALPN []string) (*session.Handler, *telemetry.Broker, *x509.CertPool) {
	t.Helper()
	ctx := service.ContextWithDefaultRegistry(context.Background())
	factory := log.NewNOPFactory()
	resolvers, err := resolver.NewManager(ctx, factory, option.DNSOptions{})
	require.NoError(t, err)
	service.MustRegister[adapter.ResolverManager](ctx, resolvers)

	keyPEM, certPEM, err := forger.GenerateAuthority("Session Test CA", time.Now, time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)
	authority, err := forger.NewAuthority(factory.Logger(), option.AuthorityOptions{
		Certificate: []string{string(certPEM)},
		Key:         []string{string(keyPEM)},
	})
	require.NoError(t, err)
	certForger, err := forger.New(ctx, factory.Logger(), authority, option.InterceptOptions{})
	require.NoError(t, err)

	generations := generation.NewManager(ctx, factory.Logger(), factory, include.EscaperRegistry(), option.Options{
		Intercept: &option.InterceptOptions{
			Enabled: true,
			Policies: []option.InterceptPolicyOptions{{
				ID:        "mitm",
				Intercept: true,
				Verify:    C.VerifyInsecure,
				ALPN:      policyALPN,
			}},
		},
	})
	for _, stage := range adapter.ListStartStages {
		require.NoError(t, generations.Start(stage))
	}
	t.Cleanup(func() { generations.Close() })

	broker := telemetry.NewBroker()
	t.Cleanup(func() { broker.Close() })
	handler := session.NewHandler(ctx, factory.Logger(), generations, certForger, broker, nil, session.Options{})
	t.Cleanup(func() { handler.Close() })

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return handler, broker, pool
}

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

func backendCertificate(t *testing.T, commonName string) stdtls.Certificate {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certificateDER, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	require.NoError(t, err)
	return stdtls.Certificate{Certificate: [][]byte{certificateDER}, PrivateKey: privateKey}
}

// startTLSBackend serves a single connection: read the request until EOF,
// report its size, answer with response, close.
func startTLSBackend(t *testing.T, alpn []string, response []byte) (string, <-chan int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	certificate := backendCertificate(t, "origin.test")
	received := make(chan int, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		tlsConn := stdtls.Server(conn, &stdtls.Config{
			Certificates: []stdtls.Certificate{certificate},
			NextProtos:   alpn,
		})
		defer tlsConn.Close()
		request, err := io.ReadAll(tlsConn)
		if err != nil {
			return
		}
		received <- len(request)
		tlsConn.Write(response)
	}()
	return listener.Addr().String(), received
}

func startTCPBackend(t *testing.T, response []byte) (string, <-chan int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	received := make(chan int, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		request, err := io.ReadAll(conn)
		if err != nil {
			return
		}
		received <- len(request)
		conn.Write(response)
	}()
	return listener.Addr().String(), received
}

func drainUntilClosed(t *testing.T, subscription observable.Subscription[telemetry.Event]) []telemetry.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	var events []telemetry.Event
	for {
		select {
		case event := <-subscription:
			events = append(events, event)
			if event.Type == telemetry.EventSessionClosed {
				return events
			}
		case <-timeout:
			t.Fatal("session_closed event not observed")
			return nil
		}
	}
}

func findHandshake(events []telemetry.Event, side string) *telemetry.Event {
	for i, event := range events {
		if event.Type == telemetry.EventHandshake && event.Side == side {
			return &events[i]
		}
	}
	return nil
}

func TestInterceptSession(t *testing.T) {
	handler, broker, pool := newTestHandler(t, []string{"h2", "http/1.1"})
	backendAddr, received := startTLSBackend(t, []string{"h2", "http/1.1"}, make([]byte, 2000))
	subscription, _, err := broker.Subscribe()
	require.NoError(t, err)
	defer broker.UnSubscribe(subscription)

	clientConn, serverConn := tcpPair(t)
	go handler.NewConnection(context.Background(), serverConn, adapter.SessionContext{
		Source:      netip.MustParseAddrPort(serverConn.RemoteAddr().String()),
		Destination: M.ParseSocksaddr(backendAddr),
		Network:     N.NetworkTCP,
		Protocol:    "tcp",
		PolicyID:    "mitm",
	}, nil)

	tlsClient := stdtls.Client(clientConn, &stdtls.Config{
		RootCAs:    pool,
		ServerName: "origin.test",
		NextProtos: []string{"h2"},
	})
	handshakeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tlsClient.HandshakeContext(handshakeCtx))
	state := tlsClient.ConnectionState()
	require.Equal(t, "h2", state.NegotiatedProtocol)
	require.Equal(t, "origin.test", state.PeerCertificates[0].Subject.CommonName)

	_, err = tlsClient.Write(make([]byte, 1000))
	require.NoError(t, err)
	require.NoError(t, tlsClient.CloseWrite())
	answer, err := io.ReadAll(tlsClient)
	require.NoError(t, err)
	require.Len(t, answer, 2000)
	tlsClient.Close()
	require.Equal(t, 1000, <-received)

	events := drainUntilClosed(t, subscription)
	closed := events[len(events)-1]
	require.Empty(t, closed.ErrorKind)
	require.Equal(t, "direct", closed.Escaper)
	require.Equal(t, int64(1000), closed.Upload)
	require.Equal(t, int64(2000), closed.Download)

	serverHandshake := findHandshake(events, telemetry.SideServer)
	require.NotNil(t, serverHandshake)
	require.Equal(t, "origin.test", serverHandshake.ServerName)
	require.Equal(t, "h2", serverHandshake.Protocol)
	require.Empty(t, serverHandshake.ErrorKind)

	stats := handler.Stats()
	require.Equal(t, uint64(1), stats.TotalSessions)
	require.Equal(t, int32(0), stats.ActiveSessions)
	require.Equal(t, int64(1000), stats.Upload)
	require.Equal(t, int64(2000), stats.Download)
}

func TestInterceptALPNDenied(t *testing.T) {
	handler, broker, pool := newTestHandler(t, []string{"http/1.1"})
	backendAddr, received := startTLSBackend(t, []string{"h2"}, nil)
	subscription, _, err := broker.Subscribe()
	require.NoError(t, err)
	defer broker.UnSubscribe(subscription)

	clientConn, serverConn := tcpPair(t)
	go handler.NewConnection(context.Background(), serverConn, adapter.SessionContext{
		Source:      netip.MustParseAddrPort(serverConn.RemoteAddr().String()),
		Destination: M.ParseSocksaddr(backendAddr),
		Network:     N.NetworkTCP,
		PolicyID:    "mitm",
	}, nil)

	tlsClient := stdtls.Client(clientConn, &stdtls.Config{
		RootCAs:    pool,
		ServerName: "origin.test",
		NextProtos: []string{"h2"},
	})
	handshakeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, tlsClient.HandshakeContext(handshakeCtx))
	clientConn.Close()

	events := drainUntilClosed(t, subscription)
	closed := events[len(events)-1]
	require.Equal(t, string(adapter.KindPolicyDenied), closed.ErrorKind)
	require.Contains(t, closed.Error, "no permitted application protocol")
	require.Nil(t, findHandshake(events, telemetry.SideServer))
	require.Empty(t, received)
}

func TestRelaySession(t *testing.T) {
	handler, broker, _ := newTestHandler(t, nil)
	backendAddr, received := startTCPBackend(t, make([]byte, 2000))
	subscription, _, err := broker.Subscribe()
	require.NoError(t, err)
	defer broker.UnSubscribe(subscription)

	clientConn, serverConn := tcpPair(t)
	go handler.NewConnection(context.Background(), serverConn, adapter.SessionContext{
		Source:      netip.MustParseAddrPort(serverConn.RemoteAddr().String()),
		Destination: M.ParseSocksaddr(backendAddr),
		Network:     N.NetworkTCP,
	}, nil)

	_, err = clientConn.Write(make([]byte, 1000))
	require.NoError(t, err)
	require.NoError(t, clientConn.(*net.TCPConn).CloseWrite())
	answer, err := io.ReadAll(clientConn)
	require.NoError(t, err)
	require.Len(t, answer, 2000)
	clientConn.Close()
	require.Equal(t, 1000, <-received)

	events := drainUntilClosed(t, subscription)
	closed := events[len(events)-1]
	require.Empty(t, closed.ErrorKind)
	require.Equal(t, int64(1000), closed.Upload)
	require.Equal(t, int64(2000), closed.Download)
	require.Nil(t, findHandshake(events, telemetry.SideClient))
}

func TestSessionPolicyNotFound(t *testing.T) {
	handler, broker, _ := newTestHandler(t, nil)
	subscription, _, err := broker.Subscribe()
	require.NoError(t, err)
	defer broker.UnSubscribe(subscription)

	clientConn, serverConn := tcpPair(t)
	go handler.NewConnection(context.Background(), serverConn, adapter.SessionContext{
		Source:      netip.MustParseAddrPort(serverConn.RemoteAddr().String()),
		Destination: M.ParseSocksaddr("127.0.0.1:9"),
		Network:     N.NetworkTCP,
		PolicyID:    "missing",
	}, nil)

	events := drainUntilClosed(t, subscription)
	closed := events[len(events)-1]
	require.Equal(t, string(adapter.KindConfiguration), closed.ErrorKind)
	require.Contains(t, closed.Error, "intercept policy not found")

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = clientConn.Read(make([]byte, 1))
	require.Error(t, err)
}
