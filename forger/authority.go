package forger

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"github.com/sagernet/fswatch"
	"github.com/sagernet/sing-egress/option"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"

	"golang.org/x/crypto/pkcs12"
)

// Authority holds the signing CA used to mint leaf certificates. Material
// loaded from files is watched and swapped in place, so long-running engines
// pick up rotated CAs without a restart.
type Authority struct {
	logger      logger.Logger
	options     option.AuthorityOptions
	access      sync.RWMutex
	certificate *x509.Certificate
	privateKey  crypto.PrivateKey
	watcher     *fswatch.Watcher
	onReload    func()
}

func NewAuthority(logger logger.Logger, options option.AuthorityOptions) (*Authority, error) {
	authority := &Authority{
		logger:  logger,
		options: options,
	}
	err := authority.load()
	if err != nil {
		return nil, err
	}
	var watchPaths []string
	if options.CertificatePath != "" {
		watchPaths = append(watchPaths, options.CertificatePath)
	}
	if options.KeyPath != "" {
		watchPaths = append(watchPaths, options.KeyPath)
	}
	if options.PKCS12Path != "" {
		watchPaths = append(watchPaths, options.PKCS12Path)
	}
	if len(watchPaths) > 0 {
		watcher, err := fswatch.NewWatcher(fswatch.Options{
			Path:   watchPaths,
			Logger: logger,
			Callback: func(_ string) {
				err := authority.load()
				if err != nil {
					logger.Error(E.Cause(err, "reload authority"))
					return
				}
				logger.Info("authority reloaded")
				if authority.onReload != nil {
					authority.onReload()
				}
			},
		})
		if err != nil {
			return nil, E.Cause(err, "fswatch: create fsnotify watcher")
		}
		authority.watcher = watcher
	}
	return authority, nil
}

func (a *Authority) Start() error {
	if a.watcher != nil {
		return a.watcher.Start()
	}
	return nil
}

func (a *Authority) Close() error {
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}

// SetReloadCallback registers the cache flush hook. It must be called
// before Start.
func (a *Authority) SetReloadCallback(callback func()) {
	a.onReload = callback
}

func (a *Authority) Material() (*x509.Certificate, crypto.PrivateKey) {
	a.access.RLock()
	defer a.access.RUnlock()
	return a.certificate, a.privateKey
}

func (a *Authority) load() error {
	certificate, privateKey, err := loadMaterial(a.options)
	if err != nil {
		return err
	}
	if !certificate.IsCA {
		return E.New("authority certificate is not a CA")
	}
	a.access.Lock()
	a.certificate = certificate
	a.privateKey = privateKey
	a.access.Unlock()
	return nil
}

func loadMaterial(options option.AuthorityOptions) (*x509.Certificate, crypto.PrivateKey, error) {
	if options.PKCS12 != "" || options.PKCS12Path != "" {
		var pfxBytes []byte
		var err error
		if options.PKCS12 != "" {
			pfxBytes, err = base64.StdEncoding.DecodeString(options.PKCS12)
			if err != nil {
				return nil, nil, E.Cause(err, "decode pkcs12 base64 bytes")
			}
		} else {
			pfxBytes, err = os.ReadFile(options.PKCS12Path)
			if err != nil {
				return nil, nil, E.Cause(err, "read pkcs12 file")
			}
		}
		privateKey, certificate, err := pkcs12.Decode(pfxBytes, options.PKCS12Password)
		if err != nil {
			return nil, nil, E.Cause(err, "decode pkcs12")
		}
		return certificate, privateKey, nil
	}
	var certificatePEM []byte
	if len(options.Certificate) > 0 {
		certificatePEM = []byte(strings.Join(options.Certificate, "\n"))
	} else if options.CertificatePath != "" {
		content, err := os.ReadFile(options.CertificatePath)
		if err != nil {
			return nil, nil, E.Cause(err, "read authority certificate")
		}
		certificatePEM = content
	}
	var keyPEM []byte
	if len(options.Key) > 0 {
		keyPEM = []byte(strings.Join(options.Key, "\n"))
	} else if options.KeyPath != "" {
		content, err := os.ReadFile(options.KeyPath)
		if err != nil {
			return nil, nil, E.Cause(err, "read authority key")
		}
		keyPEM = content
	}
	if len(certificatePEM) == 0 || len(keyPEM) == 0 {
		return nil, nil, E.New("missing authority certificate or key")
	}
	keyPair, err := tls.X509KeyPair(certificatePEM, keyPEM)
	if err != nil {
		return nil, nil, E.Cause(err, "parse authority key pair")
	}
	certificate, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, nil, E.Cause(err, "parse authority certificate")
	}
	return certificate, keyPair.PrivateKey, nil
}
