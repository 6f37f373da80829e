package usrp

import "fmt"

// StreamWord is one entry of the receive output stream: a sample
// payload, the absolute time it was strobed in, and the packet
// framing flags. EOP closes a bounded packet; EOB additionally closes
// the whole commanded acquisition, so EOB implies EOP.
type StreamWord struct {
	Data RawType
	Time TimeTag
	EOP  bool
	EOB  bool
}

// nearFullFreeSlots is the fixed watermark: the buffer reports near
// full while this many or fewer of its nominal slots remain free.
const nearFullFreeSlots = 4

// OutputBuffer is the elastic queue between the acquisition engine and
// the downstream consumer. It never drops a word and never
// backpressures the producer; when the drain falls behind, the
// registered near-full flag tells the engine to terminate the command
// cleanly instead. Occupancy may exceed the nominal capacity while a
// termination is in flight.
type OutputBuffer struct {
	queue    []StreamWord
	capacity int
	nearFull bool
}

// NewOutputBuffer returns a buffer with the given nominal capacity in
// words. The capacity must leave room above the near-full watermark.
func NewOutputBuffer(capacity int) (*OutputBuffer, error) {
	if capacity < 2*nearFullFreeSlots {
		return nil, fmt.Errorf("output buffer capacity is %d, want at least %d", capacity, 2*nearFullFreeSlots)
	}
	return &OutputBuffer{capacity: capacity}, nil
}

// Push appends one word. It cannot fail.
func (b *OutputBuffer) Push(w StreamWord) {
	b.queue = append(b.queue, w)
}

// Pop removes and returns the oldest word, if any.
func (b *OutputBuffer) Pop() (StreamWord, bool) {
	if len(b.queue) == 0 {
		return StreamWord{}, false
	}
	w := b.queue[0]
	b.queue = b.queue[1:]
	return w, true
}

// Len returns the current occupancy in words.
func (b *OutputBuffer) Len() int { return len(b.queue) }

// Free returns the nominal free space, clamped at zero.
func (b *OutputBuffer) Free() int {
	free := b.capacity - len(b.queue)
	if free < 0 {
		free = 0
	}
	return free
}

// NearFull returns the registered watermark flag: the comparison
// result latched by the previous EndTick, not the instantaneous one.
func (b *OutputBuffer) NearFull() bool { return b.nearFull }

// EndTick latches the watermark comparison for the next tick to read.
func (b *OutputBuffer) EndTick() {
	b.nearFull = b.Free() <= nearFullFreeSlots
}

// Reset empties the buffer and clears the registered flag.
func (b *OutputBuffer) Reset() {
	b.queue = nil
	b.nearFull = false
}
