package miniaudio

import (
	"sync"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// ring is the bounded FIFO between the device callback and Read. When full,
// the oldest bytes are discarded so that a stalled reader sees fresh audio.
//
// It tracks the capture time of its first byte so that every read can be
// stamped with the time its data was captured.
type ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	limit  int
	bps    int64
	closed bool

	// headTime is the capture time, in ns, of buf[0].
	headTime int64
	// lastTime is the capture time of the data returned by the last read.
	lastTime int64
	hasLast  bool
	dropped  int64
}

func newRing(limit int, f audio.Format) *ring {
	r := &ring{
		buf:   make([]byte, 0, limit),
		limit: limit,
		bps:   int64(f.BytesPerSecond()),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// nanos returns the duration of n bytes in nanoseconds.
func (r *ring) nanos(n int) int64 {
	if r.bps == 0 {
		return 0
	}
	return int64(n) * 1_000_000_000 / r.bps
}

// write appends p, whose first byte was captured at ns.
func (r *ring) write(p []byte, at int64) {
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(p) > r.limit {
		skip := len(p) - r.limit
		at += r.nanos(skip)
		r.dropped += int64(skip)
		p = p[skip:]
	}
	if len(r.buf) == 0 {
		r.headTime = at
	}
	if over := len(r.buf) + len(p) - r.limit; over > 0 {
		r.discard(over)
		r.dropped += int64(over)
		if len(r.buf) == 0 {
			r.headTime = at
		}
	}
	r.buf = append(r.buf, p...)
	r.cond.Signal()
}

// discard drops n bytes from the front. Callers hold r.mu.
func (r *ring) discard(n int) {
	n = min(n, len(r.buf))
	r.headTime += r.nanos(n)
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]
}

// read blocks until data is buffered or the ring is closed.
func (r *ring) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return 0, audio.ErrStreamClosed
	}
	r.lastTime = r.headTime
	r.hasLast = true
	n := copy(p, r.buf)
	r.discard(n)
	return n, nil
}

// timestamp returns the capture time of the last read.
func (r *ring) timestamp() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTime, r.hasLast
}

// close wakes every blocked reader. Buffered data is discarded.
func (r *ring) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.buf = r.buf[:0]
	r.cond.Broadcast()
}

func (r *ring) droppedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
