//go:build !linux

package forwarder

import (
	"net/netip"

	"portforwarder/endpoint"
)

func listenTCP(e endpoint.Endpoint) (int, error)    { return -1, ErrUnsupported }
func bindUDP(e endpoint.Endpoint) (int, error)      { return -1, ErrUnsupported }
func newTCPSocket() (int, error)                    { return -1, ErrUnsupported }
func connectTCP(fd int, e endpoint.Endpoint) error  { return ErrUnsupported }
func acceptTCP(fd int) (int, netip.AddrPort, error) { return -1, netip.AddrPort{}, ErrUnsupported }
func pendingError(fd int) error                     { return ErrUnsupported }
func readFD(fd int, buf []byte) (int, error)        { return 0, ErrUnsupported }
func writeFD(fd int, buf []byte) (int, error)       { return 0, ErrUnsupported }
func recvFrom(fd int, buf []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, ErrUnsupported
}
func sendTo(fd int, buf []byte, to netip.AddrPort) error { return ErrUnsupported }
func closeFD(fd int)                                     {}
func isWouldBlock(err error) bool                        { return false }
