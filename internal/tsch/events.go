package tsch

// ring is a fixed-capacity FIFO.
type ring[T any] struct {
	buf   []T
	head  int
	count int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) full() bool { return r.count == len(r.buf) }

func (r *ring[T]) push(v T) bool {
	if r.full() {
		return false
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return true
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v, true
}

// schedulePending arms pending-events processing at the current time. It
// runs after the slot step that queued the work has returned.
func (e *Engine) schedulePending() {
	if e.pendingScheduled {
		return
	}
	e.pendingScheduled = true
	e.s.Schedule(e.s.Now(), e.processPending)
}

// processPending reports dequeued packets to their senders and hands received
// frames to the upper layer.
func (e *Engine) processPending() {
	e.pendingScheduled = false
	for {
		p, ok := e.dequeued.pop()
		if !ok {
			break
		}
		if p.Sent != nil {
			p.Sent(p, p.Status)
		}
	}
	for {
		in, ok := e.input.pop()
		if !ok {
			break
		}
		if e.hooks.OnInput != nil {
			e.hooks.OnInput(in)
		}
	}
}
