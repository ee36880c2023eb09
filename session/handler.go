package session

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/common/tls"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/forwarder"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/telemetry"
	"github.com/sagernet/sing/common"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/common/x/list"
	"github.com/sagernet/sing/contrab/freelru"
	"github.com/sagernet/sing/contrab/maphash"
)

var _ adapter.SessionHandler = (*Handler)(nil)

type Options struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxDuration      time.Duration
}

// Handler drives every accepted connection through the session state
// machine: optional client TLS termination, escape to the destination,
// optional upstream TLS, then the byte pump. Policies and escapers come
// from the generation captured at accept time.
type Handler struct {
	ctx              context.Context
	logger           log.ContextLogger
	generations      adapter.GenerationManager
	forger           adapter.CertificateForger
	broker           *telemetry.Broker
	metrics          *telemetry.Metrics
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	limits           forwarder.Limits

	// Upstream TLS configurations are compiled once per policy so the
	// session cache inside survives across sessions.
	clientConfigs freelru.Cache[*adapter.InterceptPolicy, tls.Config]

	access      sync.Mutex
	connections list.List[io.Closer]

	activeSessions atomic.Int32
	totalSessions  atomic.Uint64
	totalUpload    atomic.Int64
	totalDownload  atomic.Int64
}

func NewHandler(ctx context.Context, logger log.ContextLogger, generations adapter.GenerationManager, forger adapter.CertificateForger, broker *telemetry.Broker, metrics *telemetry.Metrics, options Options) *Handler {
	connectTimeout := options.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = C.TCPTimeout
	}
	idleTimeout := options.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = C.IdleTimeout
	}
	return &Handler{
		ctx:              ctx,
		logger:           logger,
		generations:      generations,
		forger:           forger,
		broker:           broker,
		metrics:          metrics,
		connectTimeout:   connectTimeout,
		handshakeTimeout: options.HandshakeTimeout,
		limits: forwarder.Limits{
			IdleTimeout: idleTimeout,
			MaxDuration: options.MaxDuration,
		},
		clientConfigs: common.Must1(freelru.NewSharded[*adapter.InterceptPolicy, tls.Config](64, maphash.NewHasher[*adapter.InterceptPolicy]().Hash32)),
	}
}

func (h *Handler) Start(stage adapter.StartStage) error {
	return nil
}

func (h *Handler) Close() error {
	h.access.Lock()
	defer h.access.Unlock()
	for element := h.connections.Front(); element != nil; element = element.Next() {
		common.Close(element.Value)
	}
	h.connections.Init()
	return nil
}

// TrafficStats is the aggregate view served by the control plane.
type TrafficStats struct {
	ActiveSessions int32  `json:"active_sessions"`
	TotalSessions  uint64 `json:"total_sessions"`
	Upload         int64  `json:"upload"`
	Download       int64  `json:"download"`
}

func (h *Handler) Stats() TrafficStats {
	return TrafficStats{
		ActiveSessions: h.activeSessions.Load(),
		TotalSessions:  h.totalSessions.Load(),
		Upload:         h.totalUpload.Load(),
		Download:       h.totalDownload.Load(),
	}
}

func (h *Handler) NewConnection(ctx context.Context, conn net.Conn, metadata adapter.SessionContext, onClose N.CloseHandlerFunc) {
	h.access.Lock()
	element := h.connections.PushBack(conn)
	h.access.Unlock()
	onClose = N.AppendClose(onClose, func(it error) {
		h.access.Lock()
		defer h.access.Unlock()
		h.connections.Remove(element)
	})
	ctx = log.ContextWithNewID(ctx)
	ctx = adapter.WithContext(ctx, &metadata)
	s := &session{
		handler:   h,
		ctx:       ctx,
		id:        telemetry.NewSessionID(),
		createdAt: time.Now(),
		conn:      conn,
		metadata:  &metadata,
		onClose:   onClose,
	}
	h.activeSessions.Add(1)
	h.totalSessions.Add(1)
	if h.metrics != nil {
		h.metrics.SessionOpened()
	}
	s.run()
}

func (h *Handler) clientConfig(policy *adapter.InterceptPolicy) (tls.Config, error) {
	if config, loaded := h.clientConfigs.Get(policy); loaded {
		return config, nil
	}
	config, err := tls.NewClientFromPolicy(h.ctx, policy)
	if err != nil {
		return nil, err
	}
	h.clientConfigs.Add(policy, config)
	return config, nil
}
