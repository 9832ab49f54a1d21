// Package tuicmetrics tracks connection and UDP association counters for
// one TUIC endpoint process.
package tuicmetrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time read of the global counters.
type Snapshot struct {
	ActiveConnections  int64
	TotalConnections   int64
	ActiveAssociations int64
	BytesSent          int64
	BytesReceived      int64
	AuthFailures       int64
	StartTime          time.Time
}

// Uptime reports how long this process has been tracking metrics.
func (s Snapshot) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

type counters struct {
	activeConnections  int64
	totalConnections   int64
	activeAssociations int64
	bytesSent          int64
	bytesReceived      int64
	authFailures       int64
	startTime          time.Time
}

var global = &counters{startTime: time.Now()}

// ConnectionOpened records a newly accepted connection, counted before it
// authenticates.
func ConnectionOpened() {
	atomic.AddInt64(&global.activeConnections, 1)
	atomic.AddInt64(&global.totalConnections, 1)
}

// ConnectionClosed records a connection's teardown.
func ConnectionClosed() {
	atomic.AddInt64(&global.activeConnections, -1)
}

// AssociationOpened records a UDP association's first Packet.
func AssociationOpened() {
	atomic.AddInt64(&global.activeAssociations, 1)
}

// AssociationClosed records a UDP association removed by Dissociate or
// connection teardown.
func AssociationClosed() {
	atomic.AddInt64(&global.activeAssociations, -1)
}

// AddBytesSent adds n to the relayed-outbound byte counter.
func AddBytesSent(n int64) {
	if n > 0 {
		atomic.AddInt64(&global.bytesSent, n)
	}
}

// AddBytesReceived adds n to the relayed-inbound byte counter.
func AddBytesReceived(n int64) {
	if n > 0 {
		atomic.AddInt64(&global.bytesReceived, n)
	}
}

// AuthFailure records one failed or duplicate authentication attempt.
func AuthFailure() {
	atomic.AddInt64(&global.authFailures, 1)
}

// Current returns a snapshot of every counter.
func Current() Snapshot {
	return Snapshot{
		ActiveConnections:  atomic.LoadInt64(&global.activeConnections),
		TotalConnections:   atomic.LoadInt64(&global.totalConnections),
		ActiveAssociations: atomic.LoadInt64(&global.activeAssociations),
		BytesSent:          atomic.LoadInt64(&global.bytesSent),
		BytesReceived:      atomic.LoadInt64(&global.bytesReceived),
		AuthFailures:       atomic.LoadInt64(&global.authFailures),
		StartTime:          global.startTime,
	}
}
