package forger

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/ntp"
	"github.com/sagernet/sing/contrab/freelru"
	"github.com/sagernet/sing/contrab/maphash"
)

var _ adapter.CertificateForger = (*Forger)(nil)

// Forger mints leaf certificates that mimic the upstream certificate a
// session observed. Results are cached per observed leaf and server name,
// so repeated sessions to the same origin reuse one key pair.
type Forger struct {
	logger    logger.ContextLogger
	authority *Authority
	signer    adapter.Signer
	timeFunc  func() time.Time
	lifetime  time.Duration
	cache     freelru.Cache[forgeKey, *tls.Certificate]
	hits      atomic.Uint64
	misses    atomic.Uint64
}

type forgeKey struct {
	fingerprint [sha256.Size]byte
	serverName  string
}

func New(ctx context.Context, logger logger.ContextLogger, authority *Authority, options option.InterceptOptions) (*Forger, error) {
	forger := &Forger{
		logger:    logger,
		authority: authority,
		lifetime:  time.Duration(options.Authority.Lifetime),
	}
	if forger.lifetime == 0 {
		forger.lifetime = C.ForgedLifetime
	}
	forger.timeFunc = ntp.TimeFuncFromContext(ctx)
	if forger.timeFunc == nil {
		forger.timeFunc = time.Now
	}
	if options.Signer != nil {
		signer, err := NewRemoteSigner(*options.Signer)
		if err != nil {
			return nil, err
		}
		forger.signer = signer
	} else {
		forger.signer = NewCASigner(authority)
	}
	cacheCapacity := options.CacheCapacity
	if cacheCapacity == 0 {
		cacheCapacity = 1024
	}
	forger.cache = common.Must1(freelru.NewSharded[forgeKey, *tls.Certificate](cacheCapacity, maphash.NewHasher[forgeKey]().Hash32))
	authority.SetReloadCallback(forger.Purge)
	return forger, nil
}

func (f *Forger) Purge() {
	f.cache.Purge()
}

func (f *Forger) Stats() (hits uint64, misses uint64) {
	return f.hits.Load(), f.misses.Load()
}

func (f *Forger) Forge(ctx context.Context, observed *x509.Certificate, serverName string) (*tls.Certificate, error) {
	key := forgeKey{serverName: serverName}
	if observed != nil {
		key.fingerprint = sha256.Sum256(observed.Raw)
	}
	if certificate, loaded := f.cache.Get(key); loaded {
		f.hits.Add(1)
		return certificate, nil
	}
	f.misses.Add(1)
	certificate, lifetime, err := f.forge(ctx, observed, serverName)
	if err != nil {
		return nil, err
	}
	f.cache.AddWithLifetime(key, certificate, lifetime)
	f.logger.DebugContext(ctx, "forged certificate for ", serverName)
	return certificate, nil
}

func (f *Forger) forge(ctx context.Context, observed *x509.Certificate, serverName string) (*tls.Certificate, time.Duration, error) {
	caCertificate, _ := f.authority.Material()
	now := f.timeFunc()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, 0, err
	}
	notAfter := now.Add(f.lifetime)
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             now.Add(-C.ForgedNotBeforeSkew),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if observed != nil {
		template.Subject = pkix.Name{CommonName: observed.Subject.CommonName}
		template.DNSNames = append(template.DNSNames, observed.DNSNames...)
		template.IPAddresses = append(template.IPAddresses, observed.IPAddresses...)
		if observed.NotAfter.After(now) && observed.NotAfter.Before(notAfter) {
			template.NotAfter = observed.NotAfter
		}
	}
	// The forged leaf must not outlive its issuer.
	if caCertificate.NotBefore.After(template.NotBefore) {
		template.NotBefore = caCertificate.NotBefore
	}
	if caCertificate.NotAfter.Before(template.NotAfter) {
		template.NotAfter = caCertificate.NotAfter
	}
	if serverName != "" && !coversName(template, serverName) {
		if address, err := netip.ParseAddr(serverName); err == nil {
			template.IPAddresses = append(template.IPAddresses, net.IP(address.AsSlice()))
		} else {
			template.DNSNames = append(template.DNSNames, serverName)
		}
	}
	if template.Subject.CommonName == "" {
		template.Subject.CommonName = serverName
	}
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, 0, err
	}
	certificateDER, err := f.signer.Sign(ctx, template, caCertificate, privateKey.Public())
	if err != nil {
		return nil, 0, E.Cause(err, "sign forged certificate")
	}
	leaf, err := x509.ParseCertificate(certificateDER)
	if err != nil {
		return nil, 0, err
	}
	certificate := &tls.Certificate{
		Certificate: [][]byte{certificateDER, caCertificate.Raw},
		PrivateKey:  privateKey,
		Leaf:        leaf,
	}
	lifetime := template.NotAfter.Sub(now)
	if lifetime > f.lifetime {
		lifetime = f.lifetime
	}
	return certificate, lifetime, nil
}

func coversName(template *x509.Certificate, serverName string) bool {
	if address, err := netip.ParseAddr(serverName); err == nil {
		for _, ip := range template.IPAddresses {
			if ipAddr, ok := netip.AddrFromSlice(ip); ok && ipAddr.Unmap() == address.Unmap() {
				return true
			}
		}
		return false
	}
	for _, name := range template.DNSNames {
		if matchHostname(name, serverName) {
			return true
		}
	}
	return false
}

func matchHostname(pattern string, host string) bool {
	if strings.EqualFold(pattern, host) {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		if dot := strings.IndexByte(host, '.'); dot > 0 {
			return strings.EqualFold(pattern[2:], host[dot+1:])
		}
	}
	return false
}
