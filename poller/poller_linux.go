//go:build linux

package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Poller wraps one epoll instance. It is not safe for concurrent use; the
// forwarding loop owns it.
type Poller struct {
	epfd   int
	raw    []unix.EpollEvent
	events []Event
}

// New creates an epoll instance returning at most capacity events per Poll.
func New(capacity int) (*Poller, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		raw:    make([]unix.EpollEvent, capacity),
		events: make([]Event, 0, capacity),
	}, nil
}

func (p *Poller) Register(fd int, token Token, interest Interest) error {
	ev := epollEvent(token, interest)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Reregister swaps the interest of an already registered descriptor.
func (p *Poller) Reregister(fd int, token Token, interest Interest) error {
	ev := epollEvent(token, interest)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Poll waits up to timeout for readiness. A negative timeout blocks until an
// event arrives. An empty result means the timeout elapsed. The returned
// slice is only valid until the next call.
func (p *Poller) Poll(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	p.events = p.events[:0]
	n, err := unix.EpollWait(p.epfd, p.raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return p.events, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.raw[i]
		var r Readiness
		if ev.Events&unix.EPOLLIN != 0 {
			r |= ReadReady
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r |= WriteReady
		}
		if ev.Events&unix.EPOLLERR != 0 {
			r |= ErrorReady
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			r |= HangupReady
		}
		p.events = append(p.events, Event{Token: tokenOf(&ev), Readiness: r})
	}
	return p.events, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// epollEvent packs the 64-bit token into the Fd and Pad words of the epoll
// user data. No EPOLLET: readiness is level-triggered.
func epollEvent(token Token, interest Interest) unix.EpollEvent {
	var ev unix.EpollEvent
	switch interest {
	case Writable:
		ev.Events = unix.EPOLLOUT
	default:
		ev.Events = unix.EPOLLIN
	}
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
	return ev
}

func tokenOf(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}
