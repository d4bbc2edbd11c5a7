// Package netx wraps net.Conn to keep per-connection accounting.
package netx

import (
	"context"
	"net"
)

// DialContext dials addr and wraps the resulting connection in a netx.Conn.
// Its signature matches websocket.Dialer.NetDialContext.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return FromConn(conn), nil
}
