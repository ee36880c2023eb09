package option

import (
	"github.com/sagernet/sing/common/json/badoption"
	M "github.com/sagernet/sing/common/metadata"
)

type Options struct {
	Log            *LogOptions       `json:"log,omitempty"`
	DNS            *DNSOptions       `json:"dns,omitempty"`
	Intercept      *InterceptOptions `json:"intercept,omitempty"`
	Session        *SessionOptions   `json:"session,omitempty"`
	Escapers       []Escaper         `json:"escapers,omitempty"`
	DefaultEscaper string            `json:"default_escaper,omitempty"`
	API            *APIOptions       `json:"api,omitempty"`
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"-"`
}

type APIOptions struct {
	Listen     string `json:"listen,omitempty"`
	Secret     string `json:"secret,omitempty"`
	Prometheus bool   `json:"prometheus,omitempty"`
}

type ServerOptions struct {
	Server     string `json:"server"`
	ServerPort uint16 `json:"server_port"`
}

func (o ServerOptions) Build() M.Socksaddr {
	return M.ParseSocksaddrHostPort(o.Server, o.ServerPort)
}

type SessionOptions struct {
	ConnectTimeout   badoption.Duration `json:"connect_timeout,omitempty"`
	HandshakeTimeout badoption.Duration `json:"handshake_timeout,omitempty"`
	IdleTimeout      badoption.Duration `json:"idle_timeout,omitempty"`
	MaxDuration      badoption.Duration `json:"max_duration,omitempty"`
}
