package usrp

import "fmt"

// acqState enumerates the acquisition automaton's states. Idle is both
// initial and terminal.
type acqState int

const (
	stateIdle acqState = iota
	stateTimeCheck
	stateRunning
	stateStop
	stateReportError
	stateReportErrorCode
	stateReportErrorTimeLo
	stateReportErrorTimeHi
)

func (s acqState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateTimeCheck:
		return "TimeCheck"
	case stateRunning:
		return "Running"
	case stateStop:
		return "Stop"
	case stateReportError:
		return "ReportError"
	case stateReportErrorCode:
		return "ReportErrorCode"
	case stateReportErrorTimeLo:
		return "ReportErrorTimeLo"
	case stateReportErrorTimeHi:
		return "ReportErrorTimeHi"
	}
	return fmt.Sprintf("acqState(%d)", int(s))
}

// TickInput carries everything the outside world supplies the engine
// on one tick: the absolute time, the sample bus with its strobe, the
// downstream ready signal, and the error-port acknowledgement for the
// beat presented on the previous tick.
type TickInput struct {
	Now      TimeTag
	Sample   RawType
	Strobe   bool
	OutReady bool
	ErrAck   bool
}

// TickOutput carries what the engine drove during one tick. Word is
// the entry drained to the consumer, if the handshake completed.
// ErrWrite is the error-port write request held pending this tick.
// Done is the completion pulse: some command finished, for any reason.
type TickOutput struct {
	Word     *StreamWord
	ErrWrite *ErrorWrite
	Done     bool
}

// errorRoute is the routing identity snapshotted from the register
// file at the moment an error fires.
type errorRoute struct {
	port    uint16
	remPort uint16
	remEPID uint16
	addr    uint32
}

// EngineStats counts engine activity since construction or the last
// Reset. Dropped commands are deliberately not counted anywhere.
type EngineStats struct {
	Words    uint64
	Packets  uint64
	Overruns uint64
	Late     uint64
}

// RxEngine is the receive-path acquisition engine: one register file,
// one command latch, one output buffer, and the automaton that ties
// them together. It is advanced exclusively by Tick; nothing inside is
// safe for concurrent use, matching the single synchronous domain it
// models. Register access between ticks is the caller's serialization
// problem (the daq layer funnels it through the tick loop).
//
// The time comparisons a timed command depends on are registered: they
// are computed at the end of each tick and consumed on the next, so
// every decision on them lands one tick after the time itself. Tests
// count on that latency; do not replace the registered results with
// immediate comparisons.
type RxEngine struct {
	// OnAccept, when set, is called for each command the arbiter
	// latches: new acquisitions and honored stops, never drops.
	OnAccept func(Command)

	regs  *registerFile
	latch commandLatch
	buf   *OutputBuffer

	state acqState

	// Command under execution, captured from the latch when TimeCheck
	// releases it. pktSize is MAX_WORDS_PER_PKT at that moment;
	// register writes during the run do not reframe it.
	cmd       Command
	wordsLeft uint64
	pktLeft   uint32
	pktSize   uint32

	// Registered comparison results, valid while a timed command is
	// latched. Computed by endOfTick, read the following tick.
	timePastReg bool
	timeEqReg   bool

	// Captured error report and its routing snapshot.
	errCode ErrorCode
	errTime TimeTag
	route   errorRoute

	seq   uint32
	stats EngineStats
}

// NewRxEngine returns an idle engine whose output buffer holds
// bufferCapacity words.
func NewRxEngine(bufferCapacity int) (*RxEngine, error) {
	buf, err := NewOutputBuffer(bufferCapacity)
	if err != nil {
		return nil, err
	}
	e := &RxEngine{buf: buf}
	e.regs = newRegisterFile()
	e.regs.status = e.statusWord
	e.regs.onAccept = e.acceptCommand
	return e, nil
}

// WriteRegister performs one control-port write. A CMD write commits
// the staged fields and offers the command to the arbiter.
func (e *RxEngine) WriteRegister(addr, value uint32) error {
	return e.regs.Write(addr, value)
}

// ReadRegister performs one control-port read.
func (e *RxEngine) ReadRegister(addr uint32) (uint32, error) {
	return e.regs.Read(addr)
}

// Busy is true whenever the automaton has left Idle or a command is
// latched and not yet noticed, covering the one-tick gap in between.
func (e *RxEngine) Busy() bool {
	return e.state != stateIdle || e.latch.isActive()
}

// Running is true only while samples are being acquired.
func (e *RxEngine) Running() bool { return e.state == stateRunning }

// Stats returns the activity counters.
func (e *RxEngine) Stats() EngineStats { return e.stats }

// SequenceNumber returns the number of packets closed so far.
func (e *RxEngine) SequenceNumber() uint32 { return e.seq }

// BufferDepth returns the output buffer's current occupancy.
func (e *RxEngine) BufferDepth() int { return e.buf.Len() }

// StateName names the automaton state, for status reporting.
func (e *RxEngine) StateName() string { return e.state.String() }

// Reset returns the automaton to Idle, clears the latch, empties the
// buffer, and zeroes the counters and registered comparisons. The
// configuration registers keep their values. This mirrors the device
// reset line and is the only way out of a report sequence whose
// acknowledger never answers.
func (e *RxEngine) Reset() {
	e.state = stateIdle
	e.latch.reset()
	e.buf.Reset()
	e.timePastReg = false
	e.timeEqReg = false
	e.seq = 0
	e.stats = EngineStats{}
}

func (e *RxEngine) acceptCommand(c Command) {
	if e.latch.offer(c) && e.OnAccept != nil {
		e.OnAccept(c)
	}
}

func (e *RxEngine) statusWord() uint32 {
	var s uint32
	if e.Busy() {
		s |= StatusBusyBit
	}
	if e.state == stateRunning {
		s |= StatusRunningBit
	}
	s |= uint32(e.state) << statusStateShift
	return s
}

// Tick advances the engine by one tick. The automaton moves first,
// then at most one buffered word drains if the consumer is ready, and
// finally the registered flags (buffer watermark, time comparisons)
// latch their next values.
func (e *RxEngine) Tick(in TickInput) TickOutput {
	var out TickOutput

	switch e.state {
	case stateIdle:
		if e.latch.isActive() {
			// One settle tick before TimeCheck reads the registered
			// comparisons.
			e.state = stateTimeCheck
		}

	case stateTimeCheck:
		cmd := e.latch.command()
		switch {
		case e.latch.stopRequested():
			// A timed stop is not a concept; stop acts now.
			e.finishCommand(&out, stateStop)
		case cmd.Timed && e.timePastReg:
			e.captureError(CodeLateCommand, in.Now)
			e.finishCommand(&out, stateReportError)
		case !cmd.Timed || e.timeEqReg:
			e.cmd = cmd
			e.pktSize = e.regs.maxWordsPerPkt
			e.wordsLeft = cmd.NumWords
			e.pktLeft = e.pktSize
			if cmd.Kind == KindFinite && cmd.NumWords == 0 {
				// Zero-length burst: complete with no output.
				e.finishCommand(&out, stateStop)
			} else {
				e.state = stateRunning
			}
		}
		// Otherwise the start time is still ahead; keep waiting.

	case stateRunning:
		switch {
		case e.buf.NearFull():
			// Overflow beats normal completion when both apply.
			e.emitFinal(in)
			e.captureError(CodeOverrun, in.Now)
			e.finishCommand(&out, stateReportError)
		case e.latch.stopRequested():
			e.emitFinal(in)
			e.finishCommand(&out, stateStop)
		case in.Strobe:
			last := false
			if e.cmd.Kind == KindFinite {
				e.wordsLeft--
				last = e.wordsLeft == 0
			}
			e.pktLeft--
			endPkt := last || e.pktLeft == 0
			e.buf.Push(StreamWord{Data: in.Sample, Time: in.Now, EOP: endPkt, EOB: last})
			e.stats.Words++
			if endPkt {
				e.seq++
				e.stats.Packets++
				e.pktLeft = e.pktSize
			}
			if last {
				e.finishCommand(&out, stateStop)
			}
		}

	case stateStop:
		// Dead tick: the latch cleared at completion, and Idle must
		// not re-evaluate it on the same tick it was cleared.
		e.state = stateIdle

	case stateReportError:
		e.state = stateReportErrorCode

	case stateReportErrorCode:
		if in.ErrAck {
			e.state = stateReportErrorTimeLo
		} else {
			w := e.reportBeat(reportOffsetCode, uint32(e.errCode))
			out.ErrWrite = &w
		}

	case stateReportErrorTimeLo:
		if in.ErrAck {
			e.state = stateReportErrorTimeHi
		} else {
			w := e.reportBeat(reportOffsetTimeLo, uint32(e.errTime))
			out.ErrWrite = &w
		}

	case stateReportErrorTimeHi:
		if in.ErrAck {
			e.state = stateIdle
		} else {
			w := e.reportBeat(reportOffsetTimeHi, uint32(e.errTime>>32))
			out.ErrWrite = &w
		}
	}

	if in.OutReady {
		if w, ok := e.buf.Pop(); ok {
			out.Word = &w
		}
	}

	e.buf.EndTick()
	e.updateTimeComparisons(in.Now)
	return out
}

// finishCommand fires the completion pulse, clears the latch, and
// moves to the given state.
func (e *RxEngine) finishCommand(out *TickOutput, next acqState) {
	e.latch.complete()
	e.state = next
	out.Done = true
}

// emitFinal pushes the terminal word of a command ended by stop or
// overrun. It does not wait for a strobe: the current sample bus value
// goes out at once, so termination stays bounded even on a quiet bus.
func (e *RxEngine) emitFinal(in TickInput) {
	e.buf.Push(StreamWord{Data: in.Sample, Time: in.Now, EOP: true, EOB: true})
	e.stats.Words++
	e.seq++
	e.stats.Packets++
}

func (e *RxEngine) captureError(code ErrorCode, now TimeTag) {
	e.errCode = code
	e.errTime = now
	e.route = errorRoute{
		port:    uint16(e.regs.errPort),
		remPort: uint16(e.regs.errRemPort),
		remEPID: uint16(e.regs.errRemEPID),
		addr:    e.regs.errAddr,
	}
	switch code {
	case CodeLateCommand:
		e.stats.Late++
	case CodeOverrun:
		e.stats.Overruns++
	}
}

func (e *RxEngine) reportBeat(offset, data uint32) ErrorWrite {
	return ErrorWrite{
		Port:    e.route.port,
		RemPort: e.route.remPort,
		RemEPID: e.route.remEPID,
		Addr:    e.route.addr + offset,
		Data:    data,
	}
}

func (e *RxEngine) updateTimeComparisons(now TimeTag) {
	e.timePastReg = false
	e.timeEqReg = false
	if e.latch.isActive() {
		if cmd := e.latch.command(); cmd.Timed {
			e.timePastReg = now > cmd.Time
			e.timeEqReg = now == cmd.Time
		}
	}
}
