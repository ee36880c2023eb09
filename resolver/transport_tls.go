package resolver

import (
	"context"
	"sync"

	"github.com/sagernet/sing-egress/common/tls"
	"github.com/sagernet/sing-egress/option"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/common/x/list"

	mDNS "github.com/miekg/dns"
)

var _ Transport = (*TLSTransport)(nil)

type TLSTransport struct {
	dialer      *tls.Dialer
	serverAddr  M.Socksaddr
	access      sync.Mutex
	connections list.List[*tlsQueryConn]
}

type tlsQueryConn struct {
	tls.Conn
	queryId uint16
}

func NewTLSTransport(ctx context.Context, dialer N.Dialer, serverAddr M.Socksaddr, serverName string) (*TLSTransport, error) {
	if serverName == "" {
		serverName = serverAddr.AddrString()
	}
	tlsConfig, err := tls.NewClient(ctx, serverName, option.OutboundTLSOptions{
		Enabled:    true,
		ServerName: serverName,
	})
	if err != nil {
		return nil, err
	}
	return &TLSTransport{
		dialer:     tls.NewDialer(dialer, tlsConfig),
		serverAddr: serverAddr,
	}, nil
}

func (t *TLSTransport) Name() string {
	return "tls://" + t.serverAddr.String()
}

func (t *TLSTransport) Close() error {
	t.access.Lock()
	defer t.access.Unlock()
	for connection := t.connections.Front(); connection != nil; connection = connection.Next() {
		connection.Value.Close()
	}
	t.connections.Init()
	return nil
}

func (t *TLSTransport) Exchange(ctx context.Context, message *mDNS.Msg) (*mDNS.Msg, error) {
	t.access.Lock()
	conn := t.connections.PopFront()
	t.access.Unlock()
	if conn != nil {
		response, err := t.exchange(message, conn)
		if err == nil {
			return response, nil
		}
	}
	tlsConn, err := t.dialer.DialTLSContext(ctx, t.serverAddr)
	if err != nil {
		return nil, err
	}
	return t.exchange(message, &tlsQueryConn{Conn: tlsConn})
}

func (t *TLSTransport) exchange(message *mDNS.Msg, conn *tlsQueryConn) (*mDNS.Msg, error) {
	conn.queryId++
	err := WriteMessage(conn, conn.queryId, message)
	if err != nil {
		conn.Close()
		return nil, E.Cause(err, "write request")
	}
	response, err := ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, E.Cause(err, "read response")
	}
	response.Id = message.Id
	t.access.Lock()
	t.connections.PushBack(conn)
	t.access.Unlock()
	return response, nil
}
