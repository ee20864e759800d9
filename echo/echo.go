// Package echo provides TCP and UDP echo targets used to exercise a running
// forwarder.
package echo

import (
	"errors"
	"io"
	"net"
	"sync"
)

// ReplyFunc builds the UDP reply for one datagram. Returning nil sends
// nothing.
type ReplyFunc func(payload []byte, from net.Addr) []byte

// Echo returns the payload unchanged.
func Echo(payload []byte, _ net.Addr) []byte { return payload }

// ServeTCP echoes every accepted connection until ln is closed.
func ServeTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func(c net.Conn) {
			defer c.Close()
			io.Copy(c, c)
		}(conn)
	}
}

// ServeUDP answers every datagram on pc with reply until pc is closed.
func ServeUDP(pc net.PacketConn, reply ReplyFunc) error {
	if reply == nil {
		reply = Echo
	}
	buf := make([]byte, 64*1024)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if out := reply(buf[:n], from); out != nil {
			pc.WriteTo(out, from)
		}
	}
}

// Server runs a TCP echo and a UDP responder on the same address.
type Server struct {
	ln net.Listener
	pc net.PacketConn
	wg sync.WaitGroup
}

// Start binds addr for TCP and the same port for UDP. With port 0 it retries
// until one port is free for both.
func Start(addr string, reply ReplyFunc) (*Server, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		ln, err := net.Listen("tcp4", addr)
		if err != nil {
			return nil, err
		}
		pc, err := net.ListenPacket("udp4", ln.Addr().String())
		if err != nil {
			ln.Close()
			lastErr = err
			continue
		}
		s := &Server{ln: ln, pc: pc}
		s.wg.Add(2)
		go func() { defer s.wg.Done(); ServeTCP(ln) }()
		go func() { defer s.wg.Done(); ServeUDP(pc, reply) }()
		return s, nil
	}
	return nil, lastErr
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() error {
	err := s.ln.Close()
	if perr := s.pc.Close(); err == nil {
		err = perr
	}
	s.wg.Wait()
	return err
}
