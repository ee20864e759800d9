// Package registry holds the per-run connection state of the forwarder: the
// TCP pair table and the UDP session table, plus the id allocator shared by
// every socket registered with the poller.
package registry

import "net/netip"

// ID identifies one registered socket for the lifetime of a run. IDs are
// never reused.
type ID uint64

const (
	TCPServerID ID = 0
	UDPServerID ID = 1

	firstDynamicID ID = 2
)

// Kind tags what an ID refers to.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCPServer
	KindUDPServer
	KindTCPConn
	KindUDPSession
)

func (k Kind) String() string {
	switch k {
	case KindTCPServer:
		return "tcp-server"
	case KindUDPServer:
		return "udp-server"
	case KindTCPConn:
		return "tcp-conn"
	case KindUDPSession:
		return "udp-session"
	default:
		return "unknown"
	}
}

// State is the readiness state of one half of a TCP pair.
type State int

const (
	Connecting State = iota
	Established
)

func (s State) String() string {
	if s == Established {
		return "established"
	}
	return "connecting"
}

type TCPConn struct {
	FD    int
	Peer  ID
	State State
}

type UDPSession struct {
	FD     int
	Client netip.AddrPort
}

// Registry is owned by a single goroutine and does no locking.
type Registry struct {
	next     ID
	conns    map[ID]*TCPConn
	sessions map[ID]*UDPSession
	byClient map[netip.AddrPort]ID
}

func New() *Registry {
	return &Registry{
		next:     firstDynamicID,
		conns:    make(map[ID]*TCPConn, 32),
		sessions: make(map[ID]*UDPSession, 32),
		byClient: make(map[netip.AddrPort]ID, 32),
	}
}

func (r *Registry) nextID() ID {
	id := r.next
	r.next++
	return id
}

// Kind resolves id against the reserved server ids and both tables.
func (r *Registry) Kind(id ID) Kind {
	switch id {
	case TCPServerID:
		return KindTCPServer
	case UDPServerID:
		return KindUDPServer
	}
	if _, ok := r.conns[id]; ok {
		return KindTCPConn
	}
	if _, ok := r.sessions[id]; ok {
		return KindUDPSession
	}
	return KindUnknown
}

// AddPair inserts an accepted inbound socket and its outbound dial as two
// Connecting entries that point at each other.
func (r *Registry) AddPair(inFD, outFD int) (in, out ID) {
	in = r.nextID()
	out = r.nextID()
	r.conns[in] = &TCPConn{FD: inFD, Peer: out, State: Connecting}
	r.conns[out] = &TCPConn{FD: outFD, Peer: in, State: Connecting}
	return in, out
}

func (r *Registry) Conn(id ID) (*TCPConn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Peer returns the other half of id's pair.
func (r *Registry) Peer(id ID) (*TCPConn, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return r.Conn(c.Peer)
}

// RemovePair deletes id and its peer together and returns both entries so
// the caller can release their sockets.
func (r *Registry) RemovePair(id ID) (a, b *TCPConn, ok bool) {
	a, ok = r.conns[id]
	if !ok {
		return nil, nil, false
	}
	b = r.conns[a.Peer]
	delete(r.conns, id)
	delete(r.conns, a.Peer)
	return a, b, true
}

// AddSession records a new UDP session under a fresh id and the client
// address.
func (r *Registry) AddSession(fd int, client netip.AddrPort) ID {
	id := r.nextID()
	r.sessions[id] = &UDPSession{FD: fd, Client: client}
	r.byClient[client] = id
	return id
}

func (r *Registry) Session(id ID) (*UDPSession, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// SessionFor finds the session serving client.
func (r *Registry) SessionFor(client netip.AddrPort) (ID, *UDPSession, bool) {
	id, ok := r.byClient[client]
	if !ok {
		return 0, nil, false
	}
	return id, r.sessions[id], true
}

func (r *Registry) ConnCount() int    { return len(r.conns) }
func (r *Registry) SessionCount() int { return len(r.sessions) }

// Each calls fn for every live TCP connection and then every UDP session
// descriptor. Used to release sockets when a run ends.
func (r *Registry) Each(fn func(id ID, fd int)) {
	for id, c := range r.conns {
		fn(id, c.FD)
	}
	for id, s := range r.sessions {
		fn(id, s.FD)
	}
}
