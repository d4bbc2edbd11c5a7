package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrResolve is returned when the target's host cannot be resolved.
var ErrResolve = errors.New("cannot resolve host")

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Resolve returns the first address host resolves to, or "unknown" if the
// lookup succeeds without addresses. The address is for display only: the
// dialer resolves the host again.
func Resolve(ctx context.Context, r Resolver, host string) (string, error) {
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrResolve, host, err)
	}
	if len(addrs) == 0 {
		return "unknown", nil
	}
	return addrs[0].IP.String(), nil
}
