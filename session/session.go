package session

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/common/tls"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/forwarder"
	"github.com/sagernet/sing-egress/telemetry"
	E "github.com/sagernet/sing/common/exceptions"
	N "github.com/sagernet/sing/common/network"
)

// session walks one connection through accept, optional client handshake,
// escape, optional upstream handshake and forwarding. In the intercept case
// the upstream side is established inside the client handshake callback, so
// the forged certificate can mirror the leaf the upstream actually presented
// before the client ever sees a certificate message.
type session struct {
	handler      *Handler
	ctx          context.Context
	id           uuid.UUID
	createdAt    time.Time
	conn         net.Conn
	metadata     *adapter.SessionContext
	onClose      N.CloseHandlerFunc
	generation   adapter.Generation
	policy       *adapter.InterceptPolicy
	escaper      adapter.Escaper
	counters     forwarder.Counters
	clientStream net.Conn
	serverConn   net.Conn
	abortErr     error
	done         atomic.Bool
}

func (s *session) run() {
	generation := s.handler.generations.Current()
	if generation != nil {
		s.generation = generation
		s.metadata.GenerationID = generation.ID()
	}
	openedEvent := telemetry.Event{Type: telemetry.EventSessionOpened, Protocol: s.metadata.Protocol}
	if s.metadata.Source.IsValid() {
		openedEvent.Source = s.metadata.Source.String()
	}
	s.emit(openedEvent)
	if generation == nil {
		s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("no active generation")))
		return
	}
	if s.metadata.Network != "" && s.metadata.Network != N.NetworkTCP {
		s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("unsupported network: ", s.metadata.Network)))
		return
	}
	if !s.metadata.Destination.IsValid() {
		s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("missing destination")))
		return
	}
	s.policy = generation.Policy(s.metadata.PolicyID)
	if s.metadata.PolicyID != "" && s.policy == nil {
		s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("intercept policy not found: ", s.metadata.PolicyID)))
		return
	}
	if s.metadata.Escaper != "" {
		selected, loaded := generation.Escaper(s.metadata.Escaper)
		if !loaded {
			s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("escaper not found: ", s.metadata.Escaper)))
			return
		}
		s.escaper = selected
	} else {
		s.escaper = generation.DefaultEscaper()
		if s.escaper == nil {
			s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("no escaper available")))
			return
		}
		s.metadata.Escaper = s.escaper.Tag()
	}
	s.emit(telemetry.Event{Type: telemetry.EventEscaperSelected, Escaper: s.metadata.Escaper})
	s.handler.logger.InfoContext(s.ctx, "session to ", s.metadata.Destination, " via escaper/", s.metadata.Escaper)
	if s.policy != nil && s.policy.Intercept {
		s.runIntercept()
	} else {
		s.runRelay()
	}
}

func (s *session) runRelay() {
	serverConn, err := s.dial(s.ctx)
	if err != nil {
		s.handler.logger.ErrorContext(s.ctx, E.Cause(err, "open outbound connection"))
		s.finish(err)
		return
	}
	s.serverConn = serverConn
	s.pump(s.conn)
}

func (s *session) runIntercept() {
	if s.handler.forger == nil {
		s.finish(adapter.MarkError(adapter.KindConfiguration, E.New("interception requires a certificate authority")))
		return
	}
	ctx := s.ctx
	if s.handler.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handler.handshakeTimeout)
		defer cancel()
	}
	tlsConn, err := tls.ServerHandshake(ctx, s.conn, &tls.STDConfig{
		GetConfigForClient: s.configForClient,
	})
	if s.handler.metrics != nil {
		s.handler.metrics.Handshake(telemetry.SideClient, err)
	}
	if err != nil {
		if s.abortErr != nil {
			err = s.abortErr
		} else {
			err = adapter.MarkTimeout(C.PhaseClientHandshake, err)
			err = adapter.MarkError(adapter.KindClientHandshake, err)
		}
		s.emit(telemetry.Event{
			Type:       telemetry.EventHandshake,
			Side:       telemetry.SideClient,
			ServerName: s.metadata.ServerName,
			ErrorKind:  string(adapter.KindOf(err)),
			Error:      err.Error(),
		})
		s.handler.logger.ErrorContext(s.ctx, E.Cause(err, "client handshake"))
		s.finish(err)
		return
	}
	s.emit(telemetry.Event{
		Type:       telemetry.EventHandshake,
		Side:       telemetry.SideClient,
		ServerName: s.metadata.ServerName,
		Protocol:   tlsConn.ConnectionState().NegotiatedProtocol,
	})
	s.clientStream = tlsConn
	s.pump(tlsConn)
}

// configForClient runs with the ClientHello parsed but nothing written back
// yet. Everything needed to answer it happens here: escape to the true
// destination, handshake with it, then forge a certificate from its leaf.
func (s *session) configForClient(clientHello *tls.ClientHelloInfo) (*tls.STDConfig, error) {
	serverName := clientHello.ServerName
	if serverName == "" {
		if s.metadata.Destination.IsFqdn() {
			serverName = s.metadata.Destination.Fqdn
		} else {
			serverName = s.metadata.Destination.Addr.String()
		}
	}
	s.metadata.ServerName = serverName
	offered, err := intersectALPN(s.policy.ALPN, clientHello.SupportedProtos)
	if err != nil {
		return nil, s.abort(err)
	}
	serverConn, state, err := s.connectUpstream(clientHello.Context(), serverName, offered)
	if err != nil {
		return nil, s.abort(err)
	}
	s.serverConn = serverConn
	forged, err := s.handler.forger.Forge(s.ctx, s.metadata.UpstreamLeaf, serverName)
	if err != nil {
		return nil, s.abort(adapter.MarkError(adapter.KindClientHandshake, E.Cause(err, "forge certificate")))
	}
	config := &tls.STDConfig{
		Certificates: []tls.Certificate{*forged},
		MinVersion:   s.policy.MinVersion,
		MaxVersion:   s.policy.MaxVersion,
	}
	if state.NegotiatedProtocol != "" {
		config.NextProtos = []string{state.NegotiatedProtocol}
	}
	return config, nil
}

func (s *session) connectUpstream(ctx context.Context, serverName string, alpn []string) (net.Conn, *tls.ConnectionState, error) {
	serverConn, err := s.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	baseConfig, err := s.handler.clientConfig(s.policy)
	if err != nil {
		serverConn.Close()
		return nil, nil, adapter.MarkError(adapter.KindConfiguration, err)
	}
	config := baseConfig.Clone()
	config.SetServerName(serverName)
	if len(alpn) > 0 {
		config.SetNextProtos(alpn)
	}
	tlsConn, err := tls.ClientHandshake(ctx, serverConn, config)
	if s.handler.metrics != nil {
		s.handler.metrics.Handshake(telemetry.SideServer, err)
	}
	if err != nil {
		serverConn.Close()
		err = adapter.MarkTimeout(C.PhaseServerHandshake, err)
		err = adapter.MarkError(adapter.KindServerHandshake, err)
		s.emit(telemetry.Event{
			Type:       telemetry.EventHandshake,
			Side:       telemetry.SideServer,
			ServerName: serverName,
			ErrorKind:  string(adapter.KindOf(err)),
			Error:      err.Error(),
		})
		return nil, nil, err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		tlsConn.Close()
		err = adapter.MarkError(adapter.KindServerHandshake, E.New("upstream presented no certificate"))
		s.emit(telemetry.Event{
			Type:       telemetry.EventHandshake,
			Side:       telemetry.SideServer,
			ServerName: serverName,
			ErrorKind:  string(adapter.KindOf(err)),
			Error:      err.Error(),
		})
		return nil, nil, err
	}
	s.metadata.UpstreamLeaf = state.PeerCertificates[0]
	s.emit(telemetry.Event{
		Type:       telemetry.EventHandshake,
		Side:       telemetry.SideServer,
		ServerName: serverName,
		Protocol:   state.NegotiatedProtocol,
	})
	s.handler.logger.DebugContext(s.ctx, "upstream handshake complete for ", serverName)
	return tlsConn, &state, nil
}

func (s *session) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.handler.connectTimeout)
	defer cancel()
	serverConn, err := s.escaper.DialContext(ctx, N.NetworkTCP, s.metadata.Destination)
	if err != nil {
		return nil, adapter.MarkTimeout(C.PhaseConnect, err)
	}
	return serverConn, nil
}

func (s *session) pump(clientStream net.Conn) {
	s.handler.logger.DebugContext(s.ctx, "forwarding started")
	_, err := forwarder.Pump(s.ctx, s.handler.logger, clientStream, s.serverConn, &s.counters, s.handler.limits)
	switch {
	case err == nil:
	case errors.Is(err, forwarder.ErrIdleTimeout):
		err = &adapter.SessionError{Kind: adapter.KindTimeout, Phase: C.PhaseIdle, Inner: err}
	case errors.Is(err, forwarder.ErrDurationLimit):
		err = &adapter.SessionError{Kind: adapter.KindTimeout, Phase: C.PhaseTotal, Inner: err}
	case E.IsClosedOrCanceled(err):
		err = nil
	}
	s.finish(err)
}

func (s *session) abort(err error) error {
	s.abortErr = err
	return err
}

// finish tears both transports down and emits the terminal event. It is safe
// to call from any state and runs at most once.
func (s *session) finish(err error) {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	if s.clientStream != nil {
		s.clientStream.Close()
	}
	s.conn.Close()
	if s.serverConn != nil {
		s.serverConn.Close()
	}
	if s.generation != nil {
		s.generation.Release()
	}
	upload := s.counters.Upload.Load()
	download := s.counters.Download.Load()
	duration := time.Since(s.createdAt)
	s.handler.totalUpload.Add(upload)
	s.handler.totalDownload.Add(download)
	s.handler.activeSessions.Add(-1)
	event := telemetry.Event{
		Type:       telemetry.EventSessionClosed,
		Escaper:    s.metadata.Escaper,
		Upload:     upload,
		Download:   download,
		DurationMs: duration.Milliseconds(),
	}
	var result string
	if err != nil {
		if kind := adapter.KindOf(err); kind != "" {
			result = string(kind)
		} else {
			result = "error"
		}
		event.ErrorKind = result
		event.Error = err.Error()
	}
	s.emit(event)
	if s.handler.metrics != nil {
		s.handler.metrics.SessionClosed(s.metadata.Escaper, result, upload, download)
	}
	if err != nil {
		s.handler.logger.ErrorContext(s.ctx, E.Cause(err, "session closed"))
	} else {
		s.handler.logger.InfoContext(s.ctx, "session finished")
	}
	if s.onClose != nil {
		s.onClose(err)
	}
}

func (s *session) emit(event telemetry.Event) {
	if s.handler.broker == nil {
		return
	}
	event.SessionID = s.id
	event.GenerationID = s.metadata.GenerationID
	if event.Destination == "" && s.metadata.Destination.IsValid() {
		event.Destination = s.metadata.Destination.String()
	}
	s.handler.broker.Emit(event)
}

// intersectALPN filters the client offer through the policy list, keeping
// client preference order. An empty policy list permits anything; a
// non-empty offer with nothing permitted fails closed.
func intersectALPN(policyProtocols []string, clientOffer []string) ([]string, error) {
	if len(clientOffer) == 0 {
		return nil, nil
	}
	if len(policyProtocols) == 0 {
		return clientOffer, nil
	}
	var offered []string
	for _, protocol := range clientOffer {
		for _, permitted := range policyProtocols {
			if protocol == permitted {
				offered = append(offered, protocol)
				break
			}
		}
	}
	if len(offered) == 0 {
		return nil, adapter.MarkError(adapter.KindPolicyDenied, E.Cause(adapter.ErrPolicyDenied, "no permitted application protocol"))
	}
	return offered, nil
}
