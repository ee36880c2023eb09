package adapter

import (
	"github.com/sagernet/sing-egress/option"
)

// InterceptPolicy is the compiled per-route TLS policy captured by a
// generation. Versions are TLS wire values; zero means library default.
type InterceptPolicy struct {
	Intercept        bool
	Provider         string
	Fingerprint      string
	Verify           string
	PinnedSHA256     []string
	ALPN             []string
	MinVersion       uint16
	MaxVersion       uint16
	SessionCacheSize int
}

// Generation is one immutable configuration snapshot. A session captures a
// reference for its whole lifetime; publish never mutates a visible
// generation, and a generation is collected only when its last reference is
// released.
type Generation interface {
	ID() uint64
	Escaper(tag string) (Escaper, bool)
	DefaultEscaper() Escaper
	Policy(id string) *InterceptPolicy
	Retain() bool
	Release()
}

type GenerationInfo struct {
	ID       uint64   `json:"id"`
	Active   bool     `json:"active"`
	Refs     int32    `json:"refs"`
	Escapers []string `json:"escapers"`
}

type GenerationManager interface {
	Lifecycle
	// Current returns the active generation with one reference already
	// retained for the caller; it never blocks on publish.
	Current() Generation
	// Publish validates options semantically (dangling escaper references,
	// cycles) and atomically swaps the active generation. On failure the
	// previous generation keeps serving and the error is returned.
	Publish(options option.Options) (uint64, error)
	Generations() []GenerationInfo
}
