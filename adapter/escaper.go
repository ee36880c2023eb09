package adapter

import (
	"context"

	"github.com/sagernet/sing/common/logger"
	N "github.com/sagernet/sing/common/network"
)

// Escaper is a named egress strategy: given a destination it establishes an
// outbound transport, or fails with one of the session error kinds. Escapers
// reference other escapers by tag only; the manager validates the reference
// graph at publish time.
type Escaper interface {
	Type() string
	Tag() string
	Network() []string
	Dependencies() []string
	N.Dialer
}

type EscaperRegistry interface {
	CreateEscaper(ctx context.Context, manager EscaperManager, logger logger.ContextLogger, tag string, escaperType string, options any) (Escaper, error)
}

type EscaperManager interface {
	Lifecycle
	Escapers() []Escaper
	Escaper(tag string) (Escaper, bool)
	Default() Escaper
}
