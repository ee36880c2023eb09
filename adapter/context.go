package adapter

import (
	"context"
	"crypto/x509"
	"net/netip"

	M "github.com/sagernet/sing/common/metadata"
)

// SessionContext is the metadata a protocol front-end attaches to an accepted
// connection. Destination is immutable once parsed; the remaining fields are
// filled in as the session advances.
type SessionContext struct {
	Source      netip.AddrPort
	Destination M.Socksaddr
	Network     string
	Protocol    string
	PolicyID    string

	// Filled by the session.
	Escaper           string
	GenerationID      uint64
	ResolvedAddresses []netip.Addr
	ServerName        string
	UpstreamLeaf      *x509.Certificate
}

type sessionContextKey struct{}

func WithContext(ctx context.Context, sessionContext *SessionContext) context.Context {
	return context.WithValue(ctx, (*sessionContextKey)(nil), sessionContext)
}

func ContextFrom(ctx context.Context) *SessionContext {
	metadata, _ := ctx.Value((*sessionContextKey)(nil)).(*SessionContext)
	return metadata
}

func ExtendContext(ctx context.Context) (context.Context, *SessionContext) {
	if metadata := ContextFrom(ctx); metadata != nil {
		return ctx, metadata
	}
	metadata := new(SessionContext)
	return WithContext(ctx, metadata), metadata
}
