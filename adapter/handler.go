package adapter

import (
	"context"
	"net"

	N "github.com/sagernet/sing/common/network"
)

// SessionHandler is the seam between protocol front-ends and the engine: the
// front-end accepts a connection, parses a destination and hands both over.
// onClose is invoked exactly once when the session reaches a terminal state.
type SessionHandler interface {
	NewConnection(ctx context.Context, conn net.Conn, metadata SessionContext, onClose N.CloseHandlerFunc)
}
