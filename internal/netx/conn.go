package netx

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/uuid"
)

// ConnInfo provides information about a connection wrapped by netx.
type ConnInfo interface {
	ByteCounters() (uint64, uint64)
	StartTime() time.Time
	UUID() string
}

// ToConnInfo is a helper function to convert a net.Conn into a netx.ConnInfo.
// It returns false if netConn (or the connection wrapped by a *tls.Conn) is
// not a *netx.Conn.
func ToConnInfo(netConn net.Conn) (ConnInfo, bool) {
	switch t := netConn.(type) {
	case *Conn:
		return t, true
	case *tls.Conn:
		c, ok := t.NetConn().(*Conn)
		return c, ok
	default:
		return nil, false
	}
}

// Conn is an extended net.Conn that stores its start time (dial or accept
// time), a unique identifier, and counters for read/written bytes.
type Conn struct {
	net.Conn

	uuid         string
	startTime    time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromConn wraps conn in a netx.Conn. The start time is set to the current
// time.
func FromConn(conn net.Conn) *Conn {
	return &Conn{
		Conn:      conn,
		uuid:      newUUID(conn),
		startTime: time.Now(),
	}
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// StartTime returns this connection's dial or accept time.
func (c *Conn) StartTime() time.Time {
	return c.startTime
}

// UUID returns this connection's unique identifier.
func (c *Conn) UUID() string {
	return c.uuid
}

// newUUID returns an M-Lab UUID derived from the socket cookie of conn. For
// non-TCP connections, or on platforms not supporting SO_COOKIE, it returns a
// google/uuid instead.
func newUUID(conn net.Conn) string {
	if tc, ok := conn.(*net.TCPConn); ok {
		// File() duplicates the file descriptor, the copy is closed here.
		if fp, err := tc.File(); err == nil {
			id, err := uuid.FromFile(fp)
			fp.Close()
			if err == nil {
				return id
			}
		}
	}
	gid, err := guuid.NewUUID()
	// NOTE: this could only fail when guuid.GetTime() fails.
	rtx.Must(err, "unable to fallback to uuid")
	return gid.String()
}
