package status

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"portforwarder/limiter"
)

// Counters tracks one forward. The forwarding loop writes, the API and the
// periodic monitor read. All methods accept a nil receiver.
type Counters struct {
	name string

	running      atomic.Bool
	activePairs  atomic.Int64
	totalPairs   atomic.Int64
	udpSessions  atomic.Int64
	tcpErrors    atomic.Int64
	udpErrors    atomic.Int64
	droppedBytes atomic.Int64

	meter *limiter.RateMeter
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Name         string
	Running      bool
	ActivePairs  int64
	TotalPairs   int64
	UDPSessions  int64
	TCPErrors    int64
	UDPErrors    int64
	DroppedBytes int64
	BytesRelayed int64
	ActiveRate   int64
}

func NewCounters(name string) *Counters {
	return &Counters{name: name, meter: limiter.NewRateMeter()}
}

func (c *Counters) SetRunning(v bool) {
	if c != nil {
		c.running.Store(v)
	}
}

func (c *Counters) PairOpened() {
	if c != nil {
		c.activePairs.Add(1)
		c.totalPairs.Add(1)
	}
}

func (c *Counters) PairClosed() {
	if c != nil {
		c.activePairs.Add(-1)
	}
}

func (c *Counters) SessionOpened() {
	if c != nil {
		c.udpSessions.Add(1)
	}
}

func (c *Counters) TCPError() {
	if c != nil {
		c.tcpErrors.Add(1)
	}
}

func (c *Counters) UDPError() {
	if c != nil {
		c.udpErrors.Add(1)
	}
}

// Dropped counts bytes lost to short writes.
func (c *Counters) Dropped(n int64) {
	if c != nil {
		c.droppedBytes.Add(n)
	}
}

func (c *Counters) Relayed(n int64) {
	if c != nil {
		c.meter.Record(n)
	}
}

func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Name:         c.name,
		Running:      c.running.Load(),
		ActivePairs:  c.activePairs.Load(),
		TotalPairs:   c.totalPairs.Load(),
		UDPSessions:  c.udpSessions.Load(),
		TCPErrors:    c.tcpErrors.Load(),
		UDPErrors:    c.udpErrors.Load(),
		DroppedBytes: c.droppedBytes.Load(),
		BytesRelayed: c.meter.Total(),
		ActiveRate:   c.meter.ActiveRate(),
	}
}

// Monitor holds the Counters of every forward in the process.
type Monitor struct {
	forwards sync.Map // name -> *Counters
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// Register returns the Counters for name, creating them on first use.
func (m *Monitor) Register(name string) *Counters {
	c, _ := m.forwards.LoadOrStore(name, NewCounters(name))
	return c.(*Counters)
}

func (m *Monitor) Get(name string) (*Counters, bool) {
	c, ok := m.forwards.Load(name)
	if !ok {
		return nil, false
	}
	return c.(*Counters), true
}

// Snapshots returns every forward's counters ordered by name.
func (m *Monitor) Snapshots() []Snapshot {
	var list []Snapshot
	m.forwards.Range(func(_, v any) bool {
		list = append(list, v.(*Counters).Snapshot())
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// StartPeriodicLogging logs one line per forward every interval until ctx is
// done.
func (m *Monitor) StartPeriodicLogging(ctx context.Context, interval time.Duration, log logrus.FieldLogger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			for _, s := range m.Snapshots() {
				log.WithFields(logrus.Fields{
					"forward":      s.Name,
					"running":      s.Running,
					"active_pairs": s.ActivePairs,
					"total_pairs":  s.TotalPairs,
					"udp_sessions": s.UDPSessions,
					"bytes":        s.BytesRelayed,
					"rate_bps":     s.ActiveRate * 8,
					"goroutines":   runtime.NumGoroutine(),
					"heap_mb":      ms.HeapAlloc / 1024 / 1024,
				}).Info("MONITOR")
			}
		}
	}()
}
