package signaling

import (
	"sync"
	"sync/atomic"
)

// frame is one queued WebSocket write. A close frame is always the last one
// a queue hands out.
type frame struct {
	data []byte

	close       bool
	closeCode   int
	closeReason string
}

// outbox is a count-bounded FIFO of outbound frames drained by a single
// write pump. Push never blocks; a full queue drops the frame.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closing  bool
	closed   bool

	max    int
	frames []frame

	drops atomic.Uint64
}

func newOutbox(max int) *outbox {
	if max <= 0 {
		max = 1
	}
	q := &outbox{max: max}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *outbox) DropCount() uint64 {
	return q.drops.Load()
}

func (q *outbox) Push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing || q.closed || len(q.frames) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, frame{data: data})
	q.notEmpty.Signal()
	return true
}

// PushClose queues a close frame behind the pending frames and refuses any
// further pushes. Only the first call has an effect.
func (q *outbox) PushClose(code int, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing || q.closed {
		return false
	}
	q.closing = true
	q.frames = append(q.frames, frame{close: true, closeCode: code, closeReason: reason})
	q.notEmpty.Signal()
	return true
}

// Pop blocks until a frame is available. It returns false once the queue has
// been closed and drained.
func (q *outbox) Pop() (frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = frame{}
	q.frames = q.frames[1:]
	return f, true
}

// Close discards pending frames and wakes the pump.
func (q *outbox) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
