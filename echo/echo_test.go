package echo

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

func TestServeTCP(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp4")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- ServeTCP(ln) }()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	ln.Close()
	assert.NoError(t, <-done)
}

func TestServeUDP_CustomReply(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp4")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- ServeUDP(pc, func(p []byte, _ net.Addr) []byte {
			if string(p) == "hello" {
				return []byte("world")
			}
			return nil
		})
	}()

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteTo([]byte("hello"), pc.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := client.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
	assert.Equal(t, pc.LocalAddr().String(), from.String())

	pc.Close()
	assert.NoError(t, <-done)
}

func TestStart_SharesPort(t *testing.T) {
	s, err := Start("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer s.Close()

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	_, udpPort, err := net.SplitHostPort(s.pc.LocalAddr().String())
	require.NoError(t, err)
	assert.Equal(t, port, udpPort)
}
