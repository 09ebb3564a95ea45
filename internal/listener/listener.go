// Package listener owns the edge socket and the per-connection peer address.
package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
)

type peerKey struct{}

// Listen binds the edge TCP socket. A bind failure is fatal for the caller.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, nil
}

// ConnContext records the connection's peer IP in ctx. It is meant for
// http.Server.ConnContext so the address is resolved once per connection.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	ip, ok := addrIP(c.RemoteAddr())
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, peerKey{}, ip)
}

// PeerIP returns the peer IP stored by ConnContext.
func PeerIP(ctx context.Context) (netip.Addr, bool) {
	ip, ok := ctx.Value(peerKey{}).(netip.Addr)
	return ip, ok && ip.IsValid()
}

// ClientIP returns the transport-level peer of r. Forwarding headers sent by
// the client are never consulted.
func ClientIP(r *http.Request) netip.Addr {
	if ip, ok := PeerIP(r.Context()); ok {
		return ip
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err == nil {
		return ap.Addr().Unmap()
	}
	ip, err := netip.ParseAddr(r.RemoteAddr)
	if err == nil {
		return ip.Unmap()
	}
	return netip.Addr{}
}

func addrIP(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	case nil:
		return netip.Addr{}, false
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return ap.Addr().Unmap(), true
	}
}
