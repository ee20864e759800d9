// Package endpoint resolves HOST:PORT text to the IPv4 socket addresses the
// forwarder binds and dials.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is a resolved IPv4 socket address.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// ResolutionError reports why a HOST:PORT string could not be turned into an
// IPv4 endpoint.
type ResolutionError struct {
	Input string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Input, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ErrNoIPv4 means the host resolved, but only to non-IPv4 addresses.
var ErrNoIPv4 = errors.New("can't resolve input to IPv4 socket address")

// Resolve looks up text with the system resolver and returns the first IPv4
// candidate.
func Resolve(text string) (Endpoint, error) {
	return ResolveContext(context.Background(), text)
}

// ResolveContext is Resolve with a caller supplied context for the lookup.
func ResolveContext(ctx context.Context, text string) (Endpoint, error) {
	host, portText, err := net.SplitHostPort(text)
	if err != nil {
		return Endpoint{}, &ResolutionError{Input: text, Err: err}
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", portText)
	if err != nil {
		return Endpoint{}, &ResolutionError{Input: text, Err: err}
	}
	if port <= 0 || port > 65535 {
		// Port 0 would give TCP and UDP two different ephemeral ports.
		return Endpoint{}, &ResolutionError{Input: text, Err: fmt.Errorf("invalid port %d", port)}
	}

	if host == "" {
		return Endpoint{IP: [4]byte{0, 0, 0, 0}, Port: uint16(port)}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return Endpoint{}, &ResolutionError{Input: text, Err: err}
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			var e Endpoint
			copy(e.IP[:], ip4)
			e.Port = uint16(port)
			return e, nil
		}
	}
	return Endpoint{}, &ResolutionError{Input: text, Err: ErrNoIPv4}
}

// FromAddrPort converts ap, failing when it is not an IPv4 (or 4in6) address.
func FromAddrPort(ap netip.AddrPort) (Endpoint, bool) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return Endpoint{}, false
	}
	return Endpoint{IP: addr.As4(), Port: ap.Port()}, true
}

func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(e.IP), e.Port)
}

func (e Endpoint) String() string {
	return e.AddrPort().String()
}
