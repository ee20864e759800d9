package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"portforwarder/config"
	"portforwarder/echo"
)

const VERSION = "0.1.0"

var log = logrus.New()

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.Infof("Port forwarder RateTest version %s starting...", VERSION)

	// Define flags first before any other operations
	mode := flag.String("mode", "ping", "Mode: echo, listen, ping, test")
	lport := flag.Int("lport", 2815, "Port the echo/listen target binds")
	configPath := flag.String("config", "pfconfig.yml", "Forwarder config naming the listen addresses to test")
	count := flag.Int("count", 5, "Round trips per protocol in ping mode")
	secs := flag.Int("secs", 10, "Seconds per forward in test mode")
	flag.Parse()

	switch *mode {
	case "echo":
		s, err := echo.Start(fmt.Sprintf(":%d", *lport), nil)
		if err != nil {
			log.Fatalf("Echo target failed to listen on %d: %v", *lport, err)
		}
		log.Infof("Echo target (tcp+udp) listening on %s", s.Addr())
		waitForSignal()
		s.Close()
		return
	case "listen":
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *lport))
		if err != nil {
			log.Fatalf("Sink failed to listen on %d: %v", *lport, err)
		}
		log.Infof("Sink listening on %s", ln.Addr())
		go runSink(ln)
		waitForSignal()
		ln.Close()
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Infof("Loaded %d forwards", len(cfg.Forwards))

	tester := NewRateTester(cfg)
	switch *mode {
	case "ping":
		tester.RunPing(*count)
	case "test":
		tester.Run(time.Duration(*secs) * time.Second)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

type RateTester struct {
	cfg *config.Config
}

func NewRateTester(cfg *config.Config) *RateTester {
	return &RateTester{cfg: cfg}
}

// RunPing measures TCP and UDP round trips through every forward. The
// targets are expected to echo (-mode echo).
func (rt *RateTester) RunPing(count int) {
	for _, f := range rt.cfg.Forwards {
		addr, err := dialAddr(f.Listen)
		if err != nil {
			log.Errorf("Forward %s: %v", f.Name, err)
			continue
		}

		rtts, err := pingTCP(addr, count, 2*time.Second)
		if err != nil {
			log.Errorf("Forward %s: TCP ping failed after %d replies: %v", f.Name, len(rtts), err)
		} else {
			log.Infof("Forward %s: TCP %d pings, avg %v", f.Name, len(rtts), average(rtts))
		}

		rtts, err = pingUDP(addr, count, 2*time.Second)
		if err != nil {
			log.Errorf("Forward %s: UDP ping failed after %d replies: %v", f.Name, len(rtts), err)
		} else {
			log.Infof("Forward %s: UDP %d pings, avg %v", f.Name, len(rtts), average(rtts))
		}
	}
}

// Run pushes random bytes through every forward for d and reports the
// achieved rate. The targets are expected to drain (-mode listen).
func (rt *RateTester) Run(d time.Duration) {
	for _, f := range rt.cfg.Forwards {
		addr, err := dialAddr(f.Listen)
		if err != nil {
			log.Errorf("Forward %s: %v", f.Name, err)
			continue
		}
		log.Infof("Forward %s: Starting %v test at %s...", f.Name, d, addr)

		total, elapsed, err := blast(addr, d)
		if err != nil {
			log.Errorf("Forward %s: %v", f.Name, err)
			continue
		}
		secs := elapsed.Seconds()
		if secs <= 0 {
			secs = d.Seconds()
		}
		kbps := float64(total) * 8 / 1024 / secs
		mbps := float64(total) * 8 / (1024 * 1024) / secs
		log.Infof("Forward %s: Sent %d bytes in %.2f secs (%.2f kbps, %.2f mbps)", f.Name, total, secs, kbps, mbps)
	}
	log.Info("RateTester finished all tests.")
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", err
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

func pingTCP(addr string, count int, timeout time.Duration) ([]time.Duration, error) {
	conn, err := net.DialTimeout("tcp4", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg := []byte("ping")
	buf := make([]byte, len(msg))
	var rtts []time.Duration
	for i := 0; i < count; i++ {
		conn.SetDeadline(time.Now().Add(timeout))
		start := time.Now()
		if _, err := conn.Write(msg); err != nil {
			return rtts, err
		}
		if _, err := io.ReadFull(conn, buf); err != nil {
			return rtts, err
		}
		if string(buf) != string(msg) {
			return rtts, fmt.Errorf("unexpected reply %q", buf)
		}
		rtts = append(rtts, time.Since(start))
	}
	return rtts, nil
}

func pingUDP(addr string, count int, timeout time.Duration) ([]time.Duration, error) {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf := make([]byte, 64)
	var rtts []time.Duration
	for i := 0; i < count; i++ {
		msg := fmt.Sprintf("ping-%d", i)
		conn.SetDeadline(time.Now().Add(timeout))
		start := time.Now()
		if _, err := conn.Write([]byte(msg)); err != nil {
			return rtts, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return rtts, err
		}
		if string(buf[:n]) != msg {
			return rtts, fmt.Errorf("unexpected reply %q", buf[:n])
		}
		rtts = append(rtts, time.Since(start))
	}
	return rtts, nil
}

func blast(addr string, d time.Duration) (int64, time.Duration, error) {
	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	buf := make([]byte, 4096)
	rand.Read(buf)

	var total int64
	start := time.Now()
	end := start.Add(d)
	for time.Now().Before(end) {
		// limit blocking per write so a stalled target can't hold the loop past the end
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Write(buf)
		total += int64(n)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return total, time.Since(start), err
		}
	}
	return total, time.Since(start), nil
}

// runSink accepts connections and drops everything they send.
func runSink(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("Accept error: %v", err)
			continue
		}
		log.Infof("Accepted connection from %s", conn.RemoteAddr())
		go func(c net.Conn) {
			defer c.Close()
			n, err := io.Copy(io.Discard, c)
			if err != nil {
				log.Warnf("Read error: %v", err)
			}
			log.Infof("Connection from %s closed after %d bytes", c.RemoteAddr(), n)
		}(conn)
	}
}

func average(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
