// Package engine routes reads to the cache, classifies access patterns,
// and drives prefetch for sequential consumers.
package engine

import "sync"

// AccessMode classifies a read against the sequential cursor.
type AccessMode int

const (
	ModeSequential AccessMode = iota
	ModeRandom
)

func (m AccessMode) String() string {
	if m == ModeSequential {
		return "sequential"
	}
	return "random"
}

// cursor tracks where a sequential consumer is expected to read next.
// Reads landing inside the slack window around that position count as
// sequential and advance it; reads outside are random and leave the
// cursor alone, so an interleaved random probe does not derail an
// ongoing sequential scan.
type cursor struct {
	mu            sync.Mutex
	expected      int64
	backwardSlack int64
	forwardSlack  int64
}

func newCursor(backwardSlack, forwardSlack int64) *cursor {
	return &cursor{backwardSlack: backwardSlack, forwardSlack: forwardSlack}
}

// classify judges one read and moves the cursor when it is sequential.
func (c *cursor) classify(offset, length int64) AccessMode {
	c.mu.Lock()
	defer c.mu.Unlock()

	low := c.expected - c.backwardSlack
	if low < 0 {
		low = 0
	}
	high := c.expected + c.forwardSlack

	if offset < low || offset > high {
		return ModeRandom
	}
	if end := offset + length; end > c.expected {
		c.expected = end
	}
	return ModeSequential
}

// position returns the current expected offset.
func (c *cursor) position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected
}
