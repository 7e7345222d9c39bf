// Package bytecounter contains code to track the amount of
// bytes sent and received by a measurement session.
package bytecounter

import "sync/atomic"

// Counter counts bytes sent and received. We use unsigned arithmetic
// here and accept the fact that, if a session transfers a truly huge
// amount of data, the counters will wrap around.
type Counter struct {
	// Received contains the bytes received.
	Received atomic.Uint64

	// Sent contains the bytes sent.
	Sent atomic.Uint64
}

// New creates a new Counter.
func New() *Counter {
	return &Counter{}
}

// CountBytesSent adds count to the bytes sent counter.
func (c *Counter) CountBytesSent(count int) {
	c.Sent.Add(uint64(count))
}

// CountBytesReceived adds count to the bytes received counter.
func (c *Counter) CountBytesReceived(count int) {
	c.Received.Add(uint64(count))
}

// BytesSent returns the bytes sent so far.
func (c *Counter) BytesSent() uint64 {
	return c.Sent.Load()
}

// BytesReceived returns the bytes received so far.
func (c *Counter) BytesReceived() uint64 {
	return c.Received.Load()
}

// KibiBytesSent returns the KiB sent so far.
func (c *Counter) KibiBytesSent() float64 {
	return float64(c.Sent.Load()) / 1024.0
}

// KibiBytesReceived returns the KiB received so far.
func (c *Counter) KibiBytesReceived() float64 {
	return float64(c.Received.Load()) / 1024.0
}
