// Package asyncbufio decouples file writing from the producing loop:
// writes land in a channel and a service goroutine moves them through
// a bufio.Writer, flushing on demand and on a timer.
package asyncbufio

import (
	"bufio"
	"io"
	"time"
)

// Writer queues byte slices for asynchronous buffered writing.
type Writer struct {
	out       *bufio.Writer
	pending   chan []byte   // data waiting for the service goroutine
	flushReq  chan struct{} // request an immediate flush
	flushDone chan struct{} // flush (or shutdown) finished
	interval  time.Duration
}

// NewWriter starts a Writer over w. Up to channelDepth writes may be
// queued before Write starts failing; the underlying writer is flushed
// at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		out:       bufio.NewWriter(w),
		pending:   make(chan []byte, channelDepth),
		flushReq:  make(chan struct{}),
		flushDone: make(chan struct{}),
		interval:  flushInterval,
	}
	go aw.serve()
	return aw
}

// Write queues p without blocking. It fails with io.ErrShortWrite when
// the queue is full. The slice is retained until written; callers that
// reuse buffers must pass a copy.
func (aw *Writer) Write(p []byte) (int, error) {
	select {
	case aw.pending <- p:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// WriteString queues a string, copying it once.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Flush pushes all queued data through to the underlying writer and
// blocks until done. Calling it after Close panics.
func (aw *Writer) Flush() error {
	aw.flushReq <- struct{}{}
	<-aw.flushDone
	return nil
}

// Close flushes the queue and stops the service goroutine. A second
// Close, or any later Write or Flush, panics.
func (aw *Writer) Close() {
	close(aw.flushReq)
	<-aw.flushDone
}

func (aw *Writer) serve() {
	ticker := time.NewTicker(aw.interval)
	defer ticker.Stop()

	for {
		select {
		case p := <-aw.pending:
			aw.out.Write(p)
		case <-ticker.C:
			aw.drainAndFlush()
		case _, ok := <-aw.flushReq:
			aw.drainAndFlush()
			aw.flushDone <- struct{}{}
			if !ok {
				return
			}
		}
	}
}

// drainAndFlush empties the queue into the buffered writer, then
// flushes it.
func (aw *Writer) drainAndFlush() {
	for {
		select {
		case p := <-aw.pending:
			aw.out.Write(p)
		default:
			aw.out.Flush()
			return
		}
	}
}
