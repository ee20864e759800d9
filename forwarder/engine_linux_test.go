//go:build linux

package forwarder

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"portforwarder/endpoint"
	"portforwarder/poller"
	"portforwarder/registry"
	"portforwarder/status"
)

// pairFixture wires two socketpairs into an engine as one TCP pair: the
// engine owns inFD and outFD, the test drives client and server.
type pairFixture struct {
	e        *engine
	in, out  registry.ID
	client   int
	server   int
	counters *status.Counters
}

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func newPairFixture(t *testing.T) *pairFixture {
	p, err := poller.New(16)
	require.NoError(t, err)

	inFD, client := socketPair(t)
	outFD, server := socketPair(t)

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	counters := status.NewCounters("test")

	e := &engine{
		poll:     p,
		reg:      registry.New(),
		counters: counters,
		tcpFD:    -1,
		udpFD:    -1,
		buf:      make([]byte, DefaultBufferSize),
		log:      logrus.NewEntry(log),
	}
	in, out := e.reg.AddPair(inFD, outFD)
	require.NoError(t, p.Register(inFD, poller.Token(in), poller.Writable))
	require.NoError(t, p.Register(outFD, poller.Token(out), poller.Writable))
	counters.PairOpened()

	f := &pairFixture{e: e, in: in, out: out, client: client, server: server, counters: counters}
	t.Cleanup(func() {
		e.close()
		closeFD(f.client)
		closeFD(f.server)
	})
	return f
}

// pump polls once and dispatches the whole batch.
func (f *pairFixture) pump(t *testing.T) []poller.Event {
	events, err := f.e.poll.Poll(200 * time.Millisecond)
	require.NoError(t, err)
	batch := append([]poller.Event(nil), events...)
	for _, ev := range batch {
		require.NoError(t, f.e.dispatch(ev))
	}
	return batch
}

func readAvailable(fd int) (string, error) {
	buf := make([]byte, 1024)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestFirstWritableEventOnlyEstablishes(t *testing.T) {
	f := newPairFixture(t)

	// Data is already waiting on the inbound side.
	_, err := unix.Write(f.client, []byte("early"))
	require.NoError(t, err)

	events := f.pump(t)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.True(t, ev.Readiness.IsWritable())
	}

	a, _ := f.e.reg.Conn(f.in)
	b, _ := f.e.reg.Conn(f.out)
	assert.Equal(t, registry.Established, a.State)
	assert.Equal(t, registry.Established, b.State)

	// Nothing relayed yet.
	_, err = readAvailable(f.server)
	assert.ErrorIs(t, err, unix.EAGAIN)

	// Next readable event relays the pending bytes.
	f.pump(t)
	got, err := readAvailable(f.server)
	require.NoError(t, err)
	assert.Equal(t, "early", got)
}

func TestReadableSkippedWhilePeerConnecting(t *testing.T) {
	f := newPairFixture(t)

	_, err := unix.Write(f.client, []byte("data"))
	require.NoError(t, err)

	// Establish only the inbound half.
	require.NoError(t, f.e.dispatch(poller.Event{Token: poller.Token(f.in), Readiness: poller.WriteReady}))
	require.NoError(t, f.e.dispatch(poller.Event{Token: poller.Token(f.in), Readiness: poller.ReadReady}))

	_, err = readAvailable(f.server)
	assert.ErrorIs(t, err, unix.EAGAIN)

	// The bytes are still queued on the inbound socket.
	a, _ := f.e.reg.Conn(f.in)
	got, err := readAvailable(a.FD)
	require.NoError(t, err)
	assert.Equal(t, "data", got)
}

func TestRelayBothDirections(t *testing.T) {
	f := newPairFixture(t)
	f.pump(t)

	_, err := unix.Write(f.client, []byte("ping"))
	require.NoError(t, err)
	f.pump(t)
	got, err := readAvailable(f.server)
	require.NoError(t, err)
	assert.Equal(t, "ping", got)

	_, err = unix.Write(f.server, []byte("pong"))
	require.NoError(t, err)
	f.pump(t)
	got, err = readAvailable(f.client)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	assert.Equal(t, int64(8), f.counters.Snapshot().BytesRelayed)
}

func TestEOFTearsDownBothSidesOnce(t *testing.T) {
	f := newPairFixture(t)
	f.pump(t)

	require.NoError(t, unix.Shutdown(f.client, unix.SHUT_WR))
	f.pump(t)

	assert.Zero(t, f.e.reg.ConnCount())
	assert.Equal(t, registry.KindUnknown, f.e.reg.Kind(f.in))
	assert.Equal(t, registry.KindUnknown, f.e.reg.Kind(f.out))
	assert.Zero(t, f.counters.Snapshot().ActivePairs)

	// The server half was closed too.
	got, err := readAvailable(f.server)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Stale events for either id are ignored.
	require.NoError(t, f.e.dispatch(poller.Event{Token: poller.Token(f.out), Readiness: poller.ReadReady}))
	require.NoError(t, f.e.dispatch(poller.Event{Token: poller.Token(f.in), Readiness: poller.ReadReady}))
	assert.Zero(t, f.counters.Snapshot().ActivePairs)

	events, err := f.e.poll.Poll(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWriteErrorTearsDownPair(t *testing.T) {
	f := newPairFixture(t)
	f.pump(t)

	// Server end gone: writes to outFD fail with EPIPE.
	unix.Close(f.server)
	f.server = -1

	_, err := unix.Write(f.client, []byte("lost"))
	require.NoError(t, err)

	for i := 0; i < 3 && f.e.reg.ConnCount() > 0; i++ {
		f.pump(t)
	}
	assert.Zero(t, f.e.reg.ConnCount())
	assert.Zero(t, f.counters.Snapshot().ActivePairs)
}

func TestLoopStopsOnAbort(t *testing.T) {
	f := newPairFixture(t)
	f.e.opts.AbortPollInterval = 20 * time.Millisecond

	var abort atomic.Bool
	abort.Store(true)
	start := time.Now()
	require.NoError(t, f.e.loop(&abort))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, f.counters.Snapshot().Running)
}

// fillSendBuffer writes to fd until the kernel refuses more.
func fillSendBuffer(t *testing.T, fd int) {
	t.Helper()
	require.NoError(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))
	chunk := make([]byte, 1024)
	for _, size := range []int{len(chunk), 1} {
		for {
			_, err := unix.Write(fd, chunk[:size])
			if err != nil {
				require.ErrorIs(t, err, unix.EAGAIN)
				break
			}
		}
	}
}

func TestBlockedWriteDropsChunkAndKeepsPair(t *testing.T) {
	f := newPairFixture(t)
	f.pump(t)

	out, _ := f.e.reg.Conn(f.out)
	fillSendBuffer(t, out.FD)

	_, err := unix.Write(f.client, []byte("payload"))
	require.NoError(t, err)
	f.pump(t)

	s := f.counters.Snapshot()
	assert.Equal(t, int64(len("payload")), s.DroppedBytes)
	assert.Equal(t, int64(1), s.ActivePairs)
	assert.Equal(t, 2, f.e.reg.ConnCount())
	assert.Zero(t, s.TCPErrors)
}

func TestUDPSendErrorKeepsSession(t *testing.T) {
	listen := freeEndpoint(t)
	// Broadcast without SO_BROADCAST: sendto fails with EACCES.
	target := endpoint.Endpoint{IP: [4]byte{255, 255, 255, 255}, Port: 9}

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	counters := status.NewCounters("udp-errors")
	e, err := newEngine(listen, target, Options{Logger: log, Counters: counters}.withDefaults(listen))
	require.NoError(t, err)
	defer e.close()

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	dst := net.UDPAddrFromAddrPort(listen.AddrPort())
	for _, msg := range []string{"one", "two"} {
		_, err := client.WriteTo([]byte(msg), dst)
		require.NoError(t, err)

		events, err := e.poll.Poll(time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		for _, ev := range append([]poller.Event(nil), events...) {
			require.NoError(t, e.dispatch(ev))
		}
	}

	assert.Equal(t, 1, e.reg.SessionCount())
	s := counters.Snapshot()
	assert.Equal(t, int64(2), s.UDPErrors)
	assert.Equal(t, int64(1), s.UDPSessions)
	assert.Zero(t, s.BytesRelayed)
}
