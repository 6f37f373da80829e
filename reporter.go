package usrp

import "fmt"

// ErrorCode identifies one reportable acquisition error.
type ErrorCode uint32

// The two reportable conditions. A command dropped while busy is not
// an error and is never reported; callers watch the busy bit instead.
const (
	CodeLateCommand ErrorCode = 1
	CodeOverrun     ErrorCode = 2
)

func (c ErrorCode) String() string {
	switch c {
	case CodeLateCommand:
		return "LateCommand"
	case CodeOverrun:
		return "Overrun"
	}
	return fmt.Sprintf("ErrorCode(%d)", uint32(c))
}

// Byte offsets of the three report beats from the configured base
// address: code first, then the low and high halves of the captured
// time.
const (
	reportOffsetCode   uint32 = 0
	reportOffsetTimeLo uint32 = 8
	reportOffsetTimeHi uint32 = 12
)

// ErrorWrite is one write request presented on the error master port.
// The routing identity is whatever the routing registers held at the
// moment the error fired. A presented write stays pending until the
// remote side acknowledges it; the engine holds still in the meantime.
type ErrorWrite struct {
	Port    uint16 // local port id, 10 bits
	RemPort uint16 // remote port id, 10 bits
	RemEPID uint16 // remote endpoint id
	Addr    uint32 // destination address, 20 bits plus beat offset
	Data    uint32
}

// ErrorRecord is one fully delivered error report.
type ErrorRecord struct {
	Code ErrorCode
	Time TimeTag
}

// ErrorCollector models the remote acknowledger on the far side of the
// error port. Callers hand it each presented write and assert the
// acknowledgement it schedules on the following tick; after the third
// beat it reassembles the record. OnRecord, when set, receives each
// completed record.
//
// A collector that is never polled leaves the engine stalled in its
// report states, which is exactly what an unresponsive remote does.
type ErrorCollector struct {
	OnRecord func(ErrorRecord)

	ackDue bool
	nbeats int
	code   uint32
	timeLo uint32
	timeHi uint32
}

// Accept consumes one presented beat. Each beat must be handed over
// exactly once; the engine presents a pending beat again only on ticks
// after an acknowledgement failed to arrive.
func (c *ErrorCollector) Accept(w ErrorWrite) {
	switch c.nbeats {
	case 0:
		c.code = w.Data
	case 1:
		c.timeLo = w.Data
	case 2:
		c.timeHi = w.Data
	}
	c.nbeats++
	c.ackDue = true
	if c.nbeats == 3 {
		c.nbeats = 0
		if c.OnRecord != nil {
			c.OnRecord(ErrorRecord{
				Code: ErrorCode(c.code),
				Time: TimeTag(c.timeHi)<<32 | TimeTag(c.timeLo),
			})
		}
	}
}

// AckNow reports whether an acknowledgement is due this tick and
// clears it, so each accepted beat is acknowledged exactly once.
func (c *ErrorCollector) AckNow() bool {
	due := c.ackDue
	c.ackDue = false
	return due
}
