//go:build linux

package forwarder

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"portforwarder/endpoint"
)

const listenBacklog = 1024

func sockaddr(e endpoint.Endpoint) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(e.Port), Addr: e.IP}
}

func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unexpected socket address %T", sa)
	}
}

func listenTCP(e endpoint.Endpoint) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("cannot create listen socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("cannot set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sockaddr(e)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("cannot bind listen socket: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("cannot listen: %w", err)
	}
	return fd, nil
}

func bindUDP(e endpoint.Endpoint) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("cannot create udp socket: %w", err)
	}
	if err := unix.Bind(fd, sockaddr(e)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("cannot bind udp socket: %w", err)
	}
	return fd, nil
}

func newTCPSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// connectTCP starts a non-blocking connect. In-progress is success; the
// outcome arrives as a writable event and is read with pendingError.
func connectTCP(fd int, e endpoint.Endpoint) error {
	err := unix.Connect(fd, sockaddr(e))
	if err == nil || errors.Is(err, unix.EINPROGRESS) {
		return nil
	}
	return err
}

func acceptTCP(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	from, err := addrPortOf(sa)
	if err != nil {
		unix.Close(nfd)
		return -1, netip.AddrPort{}, err
	}
	return nfd, from, nil
}

// pendingError returns the asynchronous error recorded on the socket, if any.
func pendingError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// writeFD never raises SIGPIPE; a closed peer shows up as EPIPE.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
}

func recvFrom(fd int, buf []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	from, err := addrPortOf(sa)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, from, nil
}

func sendTo(fd int, buf []byte, to netip.AddrPort) error {
	dst, ok := endpoint.FromAddrPort(to)
	if !ok {
		return fmt.Errorf("not an IPv4 address: %s", to)
	}
	return unix.Sendto(fd, buf, 0, sockaddr(dst))
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
