package dialer

import (
	"context"
	"net"
	"net/netip"

	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

// DialSerial tries each candidate address in order and returns the first
// established connection. All attempt errors are retained so a total failure
// reports every candidate.
func DialSerial(ctx context.Context, dialer N.Dialer, network string, destination M.Socksaddr, destinationAddresses []netip.Addr) (net.Conn, error) {
	var connErrors []error
	for _, address := range destinationAddresses {
		conn, err := dialer.DialContext(ctx, network, M.SocksaddrFrom(address, destination.Port))
		if err == nil {
			return conn, nil
		}
		connErrors = append(connErrors, E.Cause(err, address))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, E.Errors(connErrors...)
}
