// Package metrics provides lock-free counters for one forwarded port.
//
// All methods are safe for concurrent use. A nil *Collector is a valid no-op
// receiver, so the relay never needs to nil-check.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks connection and byte counts for a single listener.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	upstreamErrors    atomic.Int64
	relayErrors       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the number of connections currently open.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime accepted connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// BytesIn records n bytes relayed from clients to the target.
func (c *Collector) BytesIn(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesOut records n bytes relayed from the target back to clients.
func (c *Collector) BytesOut(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// UpstreamError records a failed outbound connect.
func (c *Collector) UpstreamError(msg string) {
	if c == nil {
		return
	}
	c.upstreamErrors.Add(1)
	c.recordLast(msg)
}

// RelayError records an I/O failure on an established connection pair.
func (c *Collector) RelayError(msg string) {
	if c == nil {
		return
	}
	c.relayErrors.Add(1)
	c.recordLast(msg)
}

func (c *Collector) recordLast(msg string) {
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// Snapshot is a point-in-time view of a Collector.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	UpstreamErrors    int64  `json:"upstream_errors"`
	RelayErrors       int64  `json:"relay_errors"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		UpstreamErrors:    c.upstreamErrors.Load(),
		RelayErrors:       c.relayErrors.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}
