package tls

import (
	"context"
	"crypto/tls"
	"net"

	C "github.com/sagernet/sing-egress/constant"
)

// ServerHandshake completes a server-side handshake over conn. The forged
// certificate chain only exists as a crypto/tls certificate, so the accept
// side always uses the standard library backend.
func ServerHandshake(ctx context.Context, conn net.Conn, config *STDConfig) (Conn, error) {
	tlsConn := tls.Server(conn, config)
	ctx, cancel := context.WithTimeout(ctx, C.TLSTimeout)
	defer cancel()
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, err
	}
	return tlsConn, nil
}
