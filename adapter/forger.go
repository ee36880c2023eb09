package adapter

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
)

// CertificateForger mints replacement leaf certificates for intercepted
// sessions. Implementations are safe for concurrent use.
type CertificateForger interface {
	Forge(ctx context.Context, observed *x509.Certificate, serverName string) (*tls.Certificate, error)
}

// Signer issues the final DER certificate for a forged template, either
// with a local CA key or by delegating to a signing service.
type Signer interface {
	Sign(ctx context.Context, template *x509.Certificate, parent *x509.Certificate, publicKey crypto.PublicKey) ([]byte, error)
}
