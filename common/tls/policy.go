package tls

import (
	"context"
	"crypto/tls"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/ntp"

	utls "github.com/metacubex/utls"
)

// NewClientFromPolicy builds the upstream-facing client configuration for an
// interception policy. Server name and ALPN are per-session and left unset;
// callers clone the result and fill them in before the handshake, so the
// session cache inside the config is shared across sessions of one policy.
func NewClientFromPolicy(ctx context.Context, policy *adapter.InterceptPolicy) (Config, error) {
	switch policy.Provider {
	case "", C.TLSProviderSTD:
		var tlsConfig tls.Config
		tlsConfig.Time = ntp.TimeFuncFromContext(ctx)
		switch policy.Verify {
		case "", C.VerifySystem:
		case C.VerifyInsecure:
			tlsConfig.InsecureSkipVerify = true
		case C.VerifyPinned:
			pins, err := parsePinnedSHA256(policy.PinnedSHA256)
			if err != nil {
				return nil, err
			}
			tlsConfig.InsecureSkipVerify = true
			tlsConfig.VerifyConnection = func(state tls.ConnectionState) error {
				return matchPinnedPeer(pins, state.PeerCertificates)
			}
		default:
			return nil, E.New("unknown verify mode: ", policy.Verify)
		}
		tlsConfig.MinVersion = policy.MinVersion
		tlsConfig.MaxVersion = policy.MaxVersion
		if policy.SessionCacheSize > 0 {
			tlsConfig.ClientSessionCache = tls.NewLRUClientSessionCache(policy.SessionCacheSize)
		}
		return &STDClientConfig{&tlsConfig}, nil
	case C.TLSProviderUTLS:
		var tlsConfig utls.Config
		tlsConfig.Time = ntp.TimeFuncFromContext(ctx)
		switch policy.Verify {
		case "", C.VerifySystem:
		case C.VerifyInsecure:
			tlsConfig.InsecureSkipVerify = true
		case C.VerifyPinned:
			pins, err := parsePinnedSHA256(policy.PinnedSHA256)
			if err != nil {
				return nil, err
			}
			tlsConfig.InsecureSkipVerify = true
			tlsConfig.VerifyConnection = func(state utls.ConnectionState) error {
				return matchPinnedPeer(pins, state.PeerCertificates)
			}
		default:
			return nil, E.New("unknown verify mode: ", policy.Verify)
		}
		tlsConfig.MinVersion = policy.MinVersion
		tlsConfig.MaxVersion = policy.MaxVersion
		if policy.SessionCacheSize > 0 {
			tlsConfig.ClientSessionCache = utls.NewLRUClientSessionCache(policy.SessionCacheSize)
		}
		id, err := uTLSClientHelloID(policy.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &UTLSClientConfig{&tlsConfig, id}, nil
	default:
		return nil, E.New("unknown tls provider: ", policy.Provider)
	}
}

// CheckFingerprint validates a uTLS client hello fingerprint name without
// building a configuration, for publish-time policy validation.
func CheckFingerprint(name string) error {
	_, err := uTLSClientHelloID(name)
	return err
}
