package forger

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"net"
	"net/http"
	"time"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

var _ adapter.Signer = (*CASigner)(nil)

type CASigner struct {
	authority *Authority
}

func NewCASigner(authority *Authority) *CASigner {
	return &CASigner{authority: authority}
}

func (s *CASigner) Sign(ctx context.Context, template *x509.Certificate, parent *x509.Certificate, publicKey crypto.PublicKey) ([]byte, error) {
	_, privateKey := s.authority.Material()
	return x509.CreateCertificate(rand.Reader, template, parent, publicKey, privateKey)
}

var _ adapter.Signer = (*RemoteSigner)(nil)

// RemoteSigner delegates leaf issuance to a signing service that keeps the
// CA key off this host.
type RemoteSigner struct {
	url    string
	secret string
	client *http.Client
}

type signRequest struct {
	CommonName   string   `json:"common_name"`
	DNSNames     []string `json:"dns_names,omitempty"`
	IPAddresses  []string `json:"ip_addresses,omitempty"`
	SerialNumber string   `json:"serial_number"`
	NotBefore    int64    `json:"not_before"`
	NotAfter     int64    `json:"not_after"`
	PublicKey    string   `json:"public_key"`
}

type signResponse struct {
	Certificate string `json:"certificate"`
}

func NewRemoteSigner(options option.RemoteSignerOptions) (*RemoteSigner, error) {
	if options.URL == "" {
		return nil, E.New("missing remote signer url")
	}
	timeout := time.Duration(options.Timeout)
	if timeout == 0 {
		timeout = C.TLSTimeout
	}
	return &RemoteSigner{
		url:    options.URL,
		secret: options.Secret,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *RemoteSigner) Sign(ctx context.Context, template *x509.Certificate, parent *x509.Certificate, publicKey crypto.PublicKey) ([]byte, error) {
	publicKeyDER, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, E.Cause(err, "marshal public key")
	}
	body, err := json.Marshal(signRequest{
		CommonName:   template.Subject.CommonName,
		DNSNames:     template.DNSNames,
		IPAddresses:  common.Map(template.IPAddresses, net.IP.String),
		SerialNumber: template.SerialNumber.String(),
		NotBefore:    template.NotBefore.Unix(),
		NotAfter:     template.NotAfter.Unix(),
		PublicKey:    base64.StdEncoding.EncodeToString(publicKeyDER),
	})
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		request.Header.Set("Authorization", "Bearer "+s.secret)
	}
	response, err := s.client.Do(request)
	if err != nil {
		return nil, E.Cause(err, "remote signer")
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, E.New("remote signer: unexpected status: ", response.Status)
	}
	var signedResponse signResponse
	err = json.NewDecoder(response.Body).Decode(&signedResponse)
	if err != nil {
		return nil, E.Cause(err, "remote signer: decode response")
	}
	certificateDER, err := base64.StdEncoding.DecodeString(signedResponse.Certificate)
	if err != nil {
		return nil, E.Cause(err, "remote signer: decode certificate")
	}
	_, err = x509.ParseCertificate(certificateDER)
	if err != nil {
		return nil, E.Cause(err, "remote signer: parse certificate")
	}
	return certificateDER, nil
}
