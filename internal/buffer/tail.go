// Package buffer keeps the most recent bytes of a stream in fixed memory.
package buffer

import "sync"

// Tail is a fixed-capacity circular buffer that retains the last Cap bytes
// written to it. It is safe for concurrent use.
type Tail struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	size  int // number of valid bytes
}

// NewTail creates a Tail holding at most capacity bytes. A non-positive
// capacity is raised to 1.
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tail{buf: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes once the buffer is full.
// It never fails and implements io.Writer.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c := len(t.buf)
	if n >= c {
		copy(t.buf, p[n-c:])
		t.start, t.size = 0, c
		return n, nil
	}

	end := (t.start + t.size) % c
	first := copy(t.buf[end:], p)
	copy(t.buf, p[first:])

	t.size += n
	if t.size > c {
		t.start = (t.start + t.size - c) % c
		t.size = c
	}
	return n, nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (t *Tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size == 0 {
		return nil
	}
	out := make([]byte, t.size)
	n := copy(out, t.buf[t.start:min(t.start+t.size, len(t.buf))])
	copy(out[n:], t.buf[:t.size-n])
	return out
}

// Reset discards the retained bytes.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start, t.size = 0, 0
}

// Len returns the number of retained bytes.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Cap returns the capacity.
func (t *Tail) Cap() int {
	return len(t.buf)
}
