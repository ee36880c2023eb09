package forger_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/sagernet/sing-egress/forger"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"

	"github.com/stretchr/testify/require"
)

func newTestForger(t *testing.T) (*forger.Forger, *x509.CertPool) {
	t.Helper()
	keyPEM, certPEM, err := forger.GenerateAuthority("Test Intercept CA", time.Now, time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)
	authority, err := forger.NewAuthority(log.NewNOPFactory().Logger(), option.AuthorityOptions{
		Certificate: []string{string(certPEM)},
		Key:         []string{string(keyPEM)},
	})
	require.NoError(t, err)
	instance, err := forger.New(context.Background(), log.NewNOPFactory().Logger(), authority, option.InterceptOptions{})
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return instance, pool
}

func newObservedCertificate(t *testing.T, commonName string, dnsNames []string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	certificateDER, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	require.NoError(t, err)
	certificate, err := x509.ParseCertificate(certificateDER)
	require.NoError(t, err)
	return certificate
}

func TestForgeObservedCertificate(t *testing.T) {
	instance, pool := newTestForger(t)
	observed := newObservedCertificate(t, "origin.example", []string{"origin.example", "*.alt.example"}, time.Now().AddDate(1, 0, 0))

	certificate, err := instance.Forge(context.Background(), observed, "origin.example")
	require.NoError(t, err)
	require.Len(t, certificate.Certificate, 2)
	leaf := certificate.Leaf
	require.NotNil(t, leaf)
	require.False(t, leaf.IsCA)
	require.Equal(t, "origin.example", leaf.Subject.CommonName)
	require.NoError(t, leaf.VerifyHostname("origin.example"))
	require.NoError(t, leaf.VerifyHostname("sub.alt.example"))
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "origin.example",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)
}

func TestForgeCache(t *testing.T) {
	instance, _ := newTestForger(t)
	ctx := context.Background()
	observed := newObservedCertificate(t, "origin.example", []string{"origin.example"}, time.Now().AddDate(1, 0, 0))

	first, err := instance.Forge(ctx, observed, "origin.example")
	require.NoError(t, err)
	second, err := instance.Forge(ctx, observed, "origin.example")
	require.NoError(t, err)
	require.Same(t, first, second)
	hits, misses := instance.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)

	other, err := instance.Forge(ctx, observed, "other.example")
	require.NoError(t, err)
	require.NotSame(t, first, other)
	require.NoError(t, other.Leaf.VerifyHostname("other.example"))

	instance.Purge()
	_, err = instance.Forge(ctx, observed, "origin.example")
	require.NoError(t, err)
	hits, misses = instance.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(3), misses)
}

func TestForgeValidityClamp(t *testing.T) {
	instance, _ := newTestForger(t)
	ctx := context.Background()

	expiring := newObservedCertificate(t, "short.example", []string{"short.example"}, time.Now().Add(time.Hour))
	certificate, err := instance.Forge(ctx, expiring, "short.example")
	require.NoError(t, err)
	require.WithinDuration(t, expiring.NotAfter, certificate.Leaf.NotAfter, time.Second)

	longLived := newObservedCertificate(t, "long.example", []string{"long.example"}, time.Now().AddDate(10, 0, 0))
	certificate, err = instance.Forge(ctx, longLived, "long.example")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), certificate.Leaf.NotAfter, time.Minute)
}

func TestForgeAuthorityExpiryClamp(t *testing.T) {
	keyPEM, certPEM, err := forger.GenerateAuthority("Expiring Intercept CA", time.Now, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	authority, err := forger.NewAuthority(log.NewNOPFactory().Logger(), option.AuthorityOptions{
		Certificate: []string{string(certPEM)},
		Key:         []string{string(keyPEM)},
	})
	require.NoError(t, err)
	instance, err := forger.New(context.Background(), log.NewNOPFactory().Logger(), authority, option.InterceptOptions{})
	require.NoError(t, err)
	caCertificate, _ := authority.Material()

	certificate, err := instance.Forge(context.Background(), nil, "short-ca.example")
	require.NoError(t, err)
	require.False(t, certificate.Leaf.NotAfter.After(caCertificate.NotAfter))
	require.WithinDuration(t, caCertificate.NotAfter, certificate.Leaf.NotAfter, time.Second)
}

func TestForgeWithoutObserved(t *testing.T) {
	instance, pool := newTestForger(t)
	ctx := context.Background()

	certificate, err := instance.Forge(ctx, nil, "bare.example")
	require.NoError(t, err)
	require.Equal(t, "bare.example", certificate.Leaf.Subject.CommonName)
	_, err = certificate.Leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "bare.example",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)

	certificate, err = instance.Forge(ctx, nil, "192.0.2.9")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.9", certificate.Leaf.Subject.CommonName)
	require.Len(t, certificate.Leaf.IPAddresses, 1)
	require.True(t, certificate.Leaf.IPAddresses[0].Equal(net.ParseIP("192.0.2.9")))
}
