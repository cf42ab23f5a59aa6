package peer

import "sync"

// opQueue is an unbounded FIFO of controller operations. Pushing never
// blocks so a slow peer cannot stall the caller.
type opQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ops    []func()
	closed bool
}

func newOpQueue() *opQueue {
	q := &opQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *opQueue) push(op func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ops = append(q.ops, op)
	q.cond.Signal()
	return true
}

// next blocks for the next operation. It returns false once the queue is
// closed; pending operations are dropped.
func (q *opQueue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ops) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	op := q.ops[0]
	q.ops[0] = nil
	q.ops = q.ops[1:]
	return op, true
}

func (q *opQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.ops = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}
