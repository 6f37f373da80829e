// Package unboundedchan provides a channel-like queue with no fixed
// capacity, for producers that must never be held up by a slow
// consumer.
package unboundedchan

// UnboundedChannel accepts values on In without ever filling up: the
// backlog lives in an internal queue serviced by one goroutine, and
// Out delivers the values in order. Closing In flushes the backlog to
// Out and then closes it. Use pointers for large element types.
type UnboundedChannel[T any] struct {
	in  chan T
	out chan T
}

// NewUnboundedChannel creates an UnboundedChannel and starts its
// service goroutine.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	var queue []T
	in := uc.in
	for in != nil || len(queue) > 0 {
		// Offer the head only when there is one; a nil channel makes
		// that select arm inert, same for the closed-and-drained input.
		var out chan T
		var head T
		if len(queue) > 0 {
			out = uc.out
			head = queue[0]
		}
		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, v)
		case out <- head:
			queue = queue[1:]
		}
	}
	close(uc.out)
}

// In returns the input channel for sending data.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}
