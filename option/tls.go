package option

import (
	"github.com/sagernet/sing/common/json/badoption"
)

type OutboundTLSOptions struct {
	Enabled          bool                       `json:"enabled,omitempty"`
	Provider         string                     `json:"provider,omitempty"`
	ServerName       string                     `json:"server_name,omitempty"`
	Insecure         bool                       `json:"insecure,omitempty"`
	ALPN             badoption.Listable[string] `json:"alpn,omitempty"`
	MinVersion       string                     `json:"min_version,omitempty"`
	MaxVersion       string                     `json:"max_version,omitempty"`
	CipherSuites     badoption.Listable[string] `json:"cipher_suites,omitempty"`
	Certificate      badoption.Listable[string] `json:"certificate,omitempty"`
	CertificatePath  string                     `json:"certificate_path,omitempty"`
	PinnedSHA256     badoption.Listable[string] `json:"pinned_sha256,omitempty"`
	Fingerprint      string                     `json:"fingerprint,omitempty"`
	SessionCacheSize int                        `json:"session_cache_size,omitempty"`
}

type InterceptOptions struct {
	Enabled       bool                     `json:"enabled,omitempty"`
	Authority     AuthorityOptions         `json:"authority"`
	CacheCapacity uint32                   `json:"cache_capacity,omitempty"`
	Signer        *RemoteSignerOptions     `json:"signer,omitempty"`
	DefaultPolicy string                   `json:"default_policy,omitempty"`
	Policies      []InterceptPolicyOptions `json:"policies,omitempty"`
}

type AuthorityOptions struct {
	Certificate     badoption.Listable[string] `json:"certificate,omitempty"`
	CertificatePath string                     `json:"certificate_path,omitempty"`
	Key             badoption.Listable[string] `json:"key,omitempty"`
	KeyPath         string                     `json:"key_path,omitempty"`
	PKCS12          string                     `json:"pkcs12,omitempty"`
	PKCS12Path      string                     `json:"pkcs12_path,omitempty"`
	PKCS12Password  string                     `json:"pkcs12_password,omitempty"`
	Lifetime        badoption.Duration         `json:"lifetime,omitempty"`
}

type RemoteSignerOptions struct {
	URL     string             `json:"url"`
	Secret  string             `json:"secret,omitempty"`
	Timeout badoption.Duration `json:"timeout,omitempty"`
}

type InterceptPolicyOptions struct {
	ID               string                     `json:"id"`
	Intercept        bool                       `json:"intercept,omitempty"`
	Provider         string                     `json:"provider,omitempty"`
	Fingerprint      string                     `json:"fingerprint,omitempty"`
	Verify           string                     `json:"verify,omitempty"`
	PinnedSHA256     badoption.Listable[string] `json:"pinned_sha256,omitempty"`
	ALPN             badoption.Listable[string] `json:"alpn,omitempty"`
	MinVersion       string                     `json:"min_version,omitempty"`
	MaxVersion       string                     `json:"max_version,omitempty"`
	SessionCacheSize int                        `json:"session_cache_size,omitempty"`
}
