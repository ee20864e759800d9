//go:build !linux

package poller

import "time"

// Poller is unavailable outside Linux.
type Poller struct{}

func New(capacity int) (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Register(fd int, token Token, interest Interest) error   { return ErrUnsupported }
func (p *Poller) Reregister(fd int, token Token, interest Interest) error { return ErrUnsupported }
func (p *Poller) Deregister(fd int) error                                 { return ErrUnsupported }
func (p *Poller) Poll(timeout time.Duration) ([]Event, error)             { return nil, ErrUnsupported }
func (p *Poller) Close() error                                            { return nil }
