package forwarder

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"portforwarder/endpoint"
	"portforwarder/limiter"
	"portforwarder/poller"
	"portforwarder/registry"
	"portforwarder/status"
)

// anyEndpoint is where UDP session sockets bind: any address, ephemeral port.
var anyEndpoint = endpoint.Endpoint{}

// engine is the state of a single Run. Only the goroutine inside Run touches
// it.
type engine struct {
	listen endpoint.Endpoint
	target endpoint.Endpoint
	opts   Options

	log      *logrus.Entry
	poll     *poller.Poller
	reg      *registry.Registry
	counters *status.Counters
	udpGate  *limiter.LogGate

	tcpFD int
	udpFD int
	buf   []byte
}

func newEngine(listen, target endpoint.Endpoint, opts Options) (*engine, error) {
	p, err := poller.New(opts.EventCapacity)
	if err != nil {
		return nil, &OpError{Op: "poller", Endpoint: listen, Err: err}
	}

	tcpFD, err := listenTCP(listen)
	if err != nil {
		p.Close()
		return nil, &OpError{Op: "bind tcp", Endpoint: listen, Err: err}
	}
	udpFD, err := bindUDP(listen)
	if err != nil {
		closeFD(tcpFD)
		p.Close()
		return nil, &OpError{Op: "bind udp", Endpoint: listen, Err: err}
	}

	e := &engine{
		listen:   listen,
		target:   target,
		opts:     opts,
		poll:     p,
		reg:      registry.New(),
		counters: opts.Counters,
		udpGate:  limiter.NewLogGate(5, 10),
		tcpFD:    tcpFD,
		udpFD:    udpFD,
		buf:      make([]byte, opts.BufferSize),
		log: opts.Logger.WithFields(logrus.Fields{
			"forward": opts.Name,
			"listen":  listen.String(),
			"target":  target.String(),
		}),
	}

	if err := p.Register(tcpFD, poller.Token(registry.TCPServerID), poller.Readable); err != nil {
		e.close()
		return nil, &OpError{Op: "register", Endpoint: listen, Err: err}
	}
	if err := p.Register(udpFD, poller.Token(registry.UDPServerID), poller.Readable); err != nil {
		e.close()
		return nil, &OpError{Op: "register", Endpoint: listen, Err: err}
	}
	return e, nil
}

// close releases every descriptor of the run.
func (e *engine) close() {
	e.reg.Each(func(_ registry.ID, fd int) {
		closeFD(fd)
	})
	closeFD(e.tcpFD)
	closeFD(e.udpFD)
	e.poll.Close()
}

func (e *engine) loop(abort *atomic.Bool) error {
	timeout := poller.Forever
	if abort != nil {
		timeout = e.opts.AbortPollInterval
	}

	e.log.Info("Forwarding started")
	e.counters.SetRunning(true)
	defer e.counters.SetRunning(false)

	for {
		events, err := e.poll.Poll(timeout)
		if err != nil {
			return &OpError{Op: "poll", Endpoint: e.listen, Err: err}
		}

		if abort != nil && abort.Load() {
			e.log.Info("Forwarding stopped")
			return nil
		}

		for _, ev := range events {
			if err := e.dispatch(ev); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one event by what its id refers to. Events for ids removed
// earlier in the same batch resolve to KindUnknown and are dropped.
func (e *engine) dispatch(ev poller.Event) error {
	id := registry.ID(ev.Token)
	switch e.reg.Kind(id) {
	case registry.KindTCPServer:
		return e.accept()
	case registry.KindUDPServer:
		return e.relayFromClient()
	case registry.KindTCPConn:
		return e.handleConn(id)
	case registry.KindUDPSession:
		e.relayToClient(id)
		return nil
	default:
		return nil
	}
}

// accept pairs one inbound connection with a fresh non-blocking dial to the
// target. Both halves wait for writability before any byte is relayed.
// A connect refused synchronously only drops this client; failing to create
// the socket at all is fatal.
func (e *engine) accept() error {
	inFD, from, err := acceptTCP(e.tcpFD)
	if err != nil {
		if isWouldBlock(err) {
			return nil
		}
		return &OpError{Op: "accept", Endpoint: e.listen, Err: err}
	}

	outFD, err := newTCPSocket()
	if err != nil {
		closeFD(inFD)
		return &OpError{Op: "dial", Endpoint: e.target, Err: err}
	}
	if err := connectTCP(outFD, e.target); err != nil {
		e.log.WithField("client", from.String()).Warnf("TCP connect to target failed: %v", err)
		e.counters.TCPError()
		closeFD(outFD)
		closeFD(inFD)
		return nil
	}

	in, out := e.reg.AddPair(inFD, outFD)
	if err := e.poll.Register(inFD, poller.Token(in), poller.Writable); err != nil {
		return &OpError{Op: "register", Endpoint: e.listen, Err: err}
	}
	if err := e.poll.Register(outFD, poller.Token(out), poller.Writable); err != nil {
		return &OpError{Op: "register", Endpoint: e.target, Err: err}
	}
	e.counters.PairOpened()

	e.log.WithFields(logrus.Fields{
		"client": from.String(),
		"in":     in,
		"out":    out,
	}).Info("New TCP connection")
	return nil
}

func (e *engine) handleConn(id registry.ID) error {
	c, _ := e.reg.Conn(id)

	if c.State == registry.Connecting {
		// The first writable event only completes the connect.
		if err := pendingError(c.FD); err != nil {
			e.log.WithField("conn", id).Warnf("TCP connect failed: %v", err)
			e.counters.TCPError()
			e.teardown(id)
			return nil
		}
		if err := e.poll.Reregister(c.FD, poller.Token(id), poller.Readable); err != nil {
			return &OpError{Op: "reregister", Endpoint: e.listen, Err: err}
		}
		c.State = registry.Established
		return nil
	}

	peer, ok := e.reg.Peer(id)
	if !ok || peer.State != registry.Established {
		return nil
	}

	n, err := readFD(c.FD, e.buf)
	switch {
	case err != nil && isWouldBlock(err):
		return nil
	case err != nil:
		e.log.WithField("conn", id).Warnf("TCP read error: %v", err)
		e.counters.TCPError()
		e.teardown(id)
		return nil
	case n == 0:
		e.log.WithField("conn", id).Debug("TCP peer closed")
		e.teardown(id)
		return nil
	}

	e.counters.Relayed(int64(n))
	e.log.WithField("conn", id).Debugf("read %d bytes tcp", n)

	w, err := writeFD(peer.FD, e.buf[:n])
	if err != nil {
		if !isWouldBlock(err) {
			e.log.WithField("conn", c.Peer).Warnf("TCP write error: %v", err)
			e.counters.TCPError()
			e.teardown(id)
			return nil
		}
		w = 0
	}
	if w < n {
		// No per-connection buffering: the unwritten tail is lost.
		e.counters.Dropped(int64(n - w))
		e.log.WithField("conn", c.Peer).Debugf("short TCP write, dropped %d of %d bytes", n-w, n)
	}
	return nil
}

// teardown removes id and its peer in one step and closes both sockets.
func (e *engine) teardown(id registry.ID) {
	a, b, ok := e.reg.RemovePair(id)
	if !ok {
		return
	}
	for _, c := range []*registry.TCPConn{a, b} {
		if c == nil {
			continue
		}
		if err := e.poll.Deregister(c.FD); err != nil {
			e.log.Debugf("deregister: %v", err)
		}
		closeFD(c.FD)
	}
	e.counters.PairClosed()
	e.log.WithFields(logrus.Fields{"a": id, "b": a.Peer}).Info("Closing TCP connections")
}

// relayFromClient reads a datagram on the listen socket and sends it to the
// target through the client's session socket, creating the session first.
func (e *engine) relayFromClient() error {
	n, from, err := recvFrom(e.udpFD, e.buf)
	if err != nil {
		if !isWouldBlock(err) {
			e.udpWarn(logrus.Fields{}, "UDP receive error: %v", err)
		}
		return nil
	}

	_, s, ok := e.reg.SessionFor(from)
	if !ok {
		fd, err := bindUDP(anyEndpoint)
		if err != nil {
			e.udpWarn(logrus.Fields{"client": from.String()}, "UDP session socket: %v", err)
			return nil
		}
		id := e.reg.AddSession(fd, from)
		if err := e.poll.Register(fd, poller.Token(id), poller.Readable); err != nil {
			return &OpError{Op: "register", Endpoint: e.listen, Err: err}
		}
		s, _ = e.reg.Session(id)
		e.counters.SessionOpened()
		e.log.WithFields(logrus.Fields{"client": from.String(), "session": id}).Info("New UDP session")
	}

	e.log.WithField("client", from.String()).Debugf("read %d bytes udp", n)
	if err := sendTo(s.FD, e.buf[:n], e.target.AddrPort()); err != nil {
		e.udpWarn(logrus.Fields{"client": from.String()}, "UDP send to target: %v", err)
		return nil
	}
	e.counters.Relayed(int64(n))
	return nil
}

// relayToClient returns a datagram from the target to the session's client
// through the listen socket, the address the client sent to.
func (e *engine) relayToClient(id registry.ID) {
	s, _ := e.reg.Session(id)

	n, _, err := recvFrom(s.FD, e.buf)
	if err != nil {
		if !isWouldBlock(err) {
			e.udpWarn(logrus.Fields{"session": id}, "UDP receive error: %v", err)
		}
		return
	}
	if err := sendTo(e.udpFD, e.buf[:n], s.Client); err != nil {
		e.udpWarn(logrus.Fields{"session": id, "client": s.Client.String()}, "UDP send to client: %v", err)
		return
	}
	e.counters.Relayed(int64(n))
}

func (e *engine) udpWarn(fields logrus.Fields, format string, args ...any) {
	e.counters.UDPError()
	ok, dropped := e.udpGate.Allow()
	if !ok {
		return
	}
	if dropped > 0 {
		fields["suppressed"] = dropped
	}
	e.log.WithFields(fields).Warnf(format, args...)
}
