package usrp

import "testing"

func newTestEngine(t *testing.T, bufferCapacity int) *RxEngine {
	t.Helper()
	e, err := NewRxEngine(bufferCapacity)
	if err != nil {
		t.Fatalf("NewRxEngine(%d): %v", bufferCapacity, err)
	}
	return e
}

func mustWrite(t *testing.T, e *RxEngine, addr, value uint32) {
	t.Helper()
	if err := e.WriteRegister(addr, value); err != nil {
		t.Fatalf("WriteRegister(0x%x, 0x%x): %v", addr, value, err)
	}
}

// engineScript drives an engine tick by tick with an advancing clock,
// collecting drained words, presented error beats, and reassembled
// error records the way the daq loop does.
type engineScript struct {
	e       *RxEngine
	now     TimeTag
	coll    ErrorCollector
	words   []StreamWord
	beats   []ErrorWrite
	records []ErrorRecord
}

func newEngineScript(e *RxEngine) *engineScript {
	s := &engineScript{e: e}
	s.coll.OnRecord = func(r ErrorRecord) { s.records = append(s.records, r) }
	return s
}

// tick advances one tick with the consumer ready.
func (s *engineScript) tick(strobe bool, sample RawType) TickOutput {
	return s.tickReady(strobe, sample, true)
}

func (s *engineScript) tickReady(strobe bool, sample RawType, outReady bool) TickOutput {
	s.now++
	out := s.e.Tick(TickInput{
		Now:      s.now,
		Sample:   sample,
		Strobe:   strobe,
		OutReady: outReady,
		ErrAck:   s.coll.AckNow(),
	})
	if out.Word != nil {
		s.words = append(s.words, *out.Word)
	}
	if out.ErrWrite != nil {
		s.coll.Accept(*out.ErrWrite)
		s.beats = append(s.beats, *out.ErrWrite)
	}
	return out
}

func (s *engineScript) idle(n int) {
	for i := 0; i < n; i++ {
		s.tick(false, 0)
	}
}

func countFlags(words []StreamWord) (eop, eob int) {
	for _, w := range words {
		if w.EOP {
			eop++
		}
		if w.EOB {
			eob++
		}
	}
	return eop, eob
}

func TestContinuousThenStop(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	mustWrite(t, e, RegMaxWordsPerPkt, 16)
	mustWrite(t, e, RegCmd, CommandWord(KindContinuous, false))
	if !e.Busy() {
		t.Error("Busy is false right after a continuous command was latched")
	}

	s.tick(false, 0) // Idle -> TimeCheck
	s.tick(false, 0) // TimeCheck -> Running
	for i := 0; i < 5; i++ {
		s.tick(true, RawType(100+i))
	}
	if !e.Running() {
		t.Error("Running is false while a continuous command streams")
	}

	mustWrite(t, e, RegCmd, CommandWord(KindStop, false))
	out := s.tick(false, 777) // stop observed, no strobe needed
	if !out.Done {
		t.Error("no completion pulse on the tick that observed stop")
	}
	s.tick(false, 0) // dead tick
	if e.Busy() {
		t.Error("Busy still set after the post-stop dead tick")
	}
	s.idle(4)

	if len(s.words) != 6 {
		t.Fatalf("drained %d words, want 6 (5 strobed + 1 terminal)", len(s.words))
	}
	last := s.words[5]
	if !last.EOP || !last.EOB {
		t.Errorf("terminal word flags EOP=%v EOB=%v, want true true", last.EOP, last.EOB)
	}
	if last.Data != 777 {
		t.Errorf("terminal word data is %d, want the sample bus value 777", last.Data)
	}
	if _, eob := countFlags(s.words); eob != 1 {
		t.Errorf("%d words carry EOB, want exactly 1", eob)
	}
	if len(s.records) != 0 {
		t.Errorf("%d error records for a clean stop, want 0", len(s.records))
	}
}

func TestFiniteWordCount(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	mustWrite(t, e, RegCmdNumWordsLo, 10)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, false))

	s.tick(false, 0)
	s.tick(false, 0)
	for i := 0; i < 20; i++ { // keep strobing well past completion
		s.tick(true, RawType(i))
	}

	if len(s.words) != 10 {
		t.Fatalf("drained %d words, want exactly 10", len(s.words))
	}
	for i, w := range s.words[:9] {
		if w.EOB {
			t.Errorf("word %d carries EOB before the burst end", i)
		}
	}
	last := s.words[9]
	if !last.EOP || !last.EOB {
		t.Errorf("last word flags EOP=%v EOB=%v, want true true", last.EOP, last.EOB)
	}
	if len(s.beats) != 0 || len(s.records) != 0 {
		t.Errorf("error traffic on a clean finite burst: %d beats, %d records", len(s.beats), len(s.records))
	}
	if e.Busy() {
		t.Error("Busy still set after the finite burst completed")
	}
}

func TestFinitePacketFraming(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	mustWrite(t, e, RegMaxWordsPerPkt, 4)
	mustWrite(t, e, RegCmdNumWordsLo, 10)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, false))

	s.tick(false, 0)
	s.tick(false, 0)
	for i := 0; i < 12; i++ {
		s.tick(true, RawType(i))
	}

	if len(s.words) != 10 {
		t.Fatalf("drained %d words, want 10", len(s.words))
	}
	// ceil(10/4) = 3 packets: sizes 4, 4, 2.
	var sizes []int
	n := 0
	for _, w := range s.words {
		n++
		if w.EOP {
			sizes = append(sizes, n)
			n = 0
		}
	}
	if n != 0 {
		t.Errorf("%d words after the last EOP, want 0", n)
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("packet sizes are %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("packet %d has %d words, want %d", i, sizes[i], want[i])
		}
	}
	for i, w := range s.words {
		if w.EOB != (i == 9) {
			t.Errorf("word %d EOB is %v, want %v", i, w.EOB, i == 9)
		}
	}
	if got := e.SequenceNumber(); got != 3 {
		t.Errorf("sequence number is %d, want 3", got)
	}
}

func TestTimedCommandStartsOnTime(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	const target = 9
	mustWrite(t, e, RegCmdTimeLo, target)
	mustWrite(t, e, RegCmdNumWordsLo, 3)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, true))

	// Strobe on every tick; words before the start time must be
	// discarded. The time comparisons are registered, so the automaton
	// leaves TimeCheck on the tick after the target, and the first
	// word lands two ticks after it.
	for i := 0; i < 16; i++ {
		s.tick(true, RawType(i))
	}

	if len(s.words) != 3 {
		t.Fatalf("drained %d words, want 3", len(s.words))
	}
	if got := s.words[0].Time; got != target+2 {
		t.Errorf("first word time is %d, want %d", got, target+2)
	}
	for i := 1; i < 3; i++ {
		if s.words[i].Time != s.words[i-1].Time+1 {
			t.Errorf("word %d time is %d, want %d", i, s.words[i].Time, s.words[i-1].Time+1)
		}
	}
	if len(s.records) != 0 {
		t.Errorf("%d error records for an on-time start, want 0", len(s.records))
	}
}

func TestLateCommand(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	mustWrite(t, e, RegErrPort, 2)
	mustWrite(t, e, RegErrRemPort, 3)
	mustWrite(t, e, RegErrRemEPID, 0xBEEF)
	mustWrite(t, e, RegErrAddr, 0x41000)

	s.idle(10) // let the clock run past the target
	mustWrite(t, e, RegCmdTimeLo, 5)
	mustWrite(t, e, RegCmdNumWordsLo, 4)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, true))

	errTick := s.now + 2 // one settle tick, then the check fires
	for i := 0; i < 12; i++ {
		s.tick(true, RawType(i))
	}

	if len(s.words) != 0 {
		t.Fatalf("drained %d words from a late command, want 0", len(s.words))
	}
	if len(s.records) != 1 {
		t.Fatalf("assembled %d error records, want 1", len(s.records))
	}
	r := s.records[0]
	if r.Code != CodeLateCommand {
		t.Errorf("error code is %v, want %v", r.Code, CodeLateCommand)
	}
	if r.Time != errTick {
		t.Errorf("error time is %d, want the check tick %d", r.Time, errTick)
	}

	if len(s.beats) != 3 {
		t.Fatalf("presented %d report beats, want 3", len(s.beats))
	}
	base := uint32(0x41000)
	wantAddrs := []uint32{base, base + 8, base + 12}
	wantData := []uint32{uint32(CodeLateCommand), uint32(errTick), 0}
	for i, b := range s.beats {
		if b.Addr != wantAddrs[i] {
			t.Errorf("beat %d address is 0x%x, want 0x%x", i, b.Addr, wantAddrs[i])
		}
		if b.Data != wantData[i] {
			t.Errorf("beat %d data is 0x%x, want 0x%x", i, b.Data, wantData[i])
		}
		if b.Port != 2 || b.RemPort != 3 || b.RemEPID != 0xBEEF {
			t.Errorf("beat %d routing is {%d %d 0x%x}, want {2 3 0xbeef}", i, b.Port, b.RemPort, b.RemEPID)
		}
	}
	if e.Busy() {
		t.Error("Busy still set after the report sequence was acknowledged")
	}
	if got := e.Stats().Late; got != 1 {
		t.Errorf("late counter is %d, want 1", got)
	}
}

func TestOverrunAtWatermark(t *testing.T) {
	e := newTestEngine(t, 8)
	s := newEngineScript(e)
	mustWrite(t, e, RegErrAddr, 0x900)
	mustWrite(t, e, RegCmd, CommandWord(KindContinuous, false))

	s.tickReady(false, 0, false)
	s.tickReady(false, 0, false)
	// Strobe with the consumer stalled. Four words bring the free
	// space down to the watermark; the registered flag fires one tick
	// later, so the fifth word goes out flagged as the terminal one.
	for i := 0; i < 12; i++ {
		s.tickReady(true, RawType(i), false)
	}

	if got := e.BufferDepth(); got != 5 {
		t.Fatalf("buffer holds %d words, want 5 (4 streamed + 1 terminal)", got)
	}
	if len(s.records) != 1 {
		t.Fatalf("assembled %d error records, want 1", len(s.records))
	}
	if s.records[0].Code != CodeOverrun {
		t.Errorf("error code is %v, want %v", s.records[0].Code, CodeOverrun)
	}
	if got := e.Stats().Overruns; got != 1 {
		t.Errorf("overrun counter is %d, want 1", got)
	}

	// Now drain: the terminal word is the in-flight one, flagged.
	for i := 0; i < 8; i++ {
		s.tickReady(false, 0, true)
	}
	if len(s.words) != 5 {
		t.Fatalf("drained %d words, want 5", len(s.words))
	}
	last := s.words[4]
	if !last.EOP || !last.EOB {
		t.Errorf("terminal word flags EOP=%v EOB=%v, want true true", last.EOP, last.EOB)
	}
	for i, w := range s.words[:4] {
		if w.EOB {
			t.Errorf("word %d carries EOB before the truncation point", i)
		}
	}
}

func TestOverrunBeatsNormalCompletion(t *testing.T) {
	e := newTestEngine(t, 8)
	s := newEngineScript(e)
	mustWrite(t, e, RegCmdNumWordsLo, 5)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, false))

	s.tickReady(false, 0, false)
	s.tickReady(false, 0, false)
	for i := 0; i < 16; i++ {
		s.tickReady(true, RawType(i), false)
	}

	// The fifth word would have completed the burst on the same tick
	// the watermark flag was consulted; overflow wins.
	if len(s.records) != 1 || s.records[0].Code != CodeOverrun {
		t.Fatalf("error records are %v, want a single Overrun", s.records)
	}
	if got := e.BufferDepth(); got != 5 {
		t.Errorf("buffer holds %d words, want 5", got)
	}
}

func TestBusyAdmissionControl(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	var accepted []Command
	e.OnAccept = func(c Command) { accepted = append(accepted, c) }

	mustWrite(t, e, RegCmdNumWordsLo, 8)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, false))
	s.tick(false, 0)
	s.tick(false, 0)
	s.tick(true, 1)
	s.tick(true, 2)

	// A second acquisition while busy: dropped, only CMD readback moves.
	mustWrite(t, e, RegCmdNumWordsLo, 9999)
	second := CommandWord(KindContinuous, false)
	mustWrite(t, e, RegCmd, second)
	if got, _ := e.ReadRegister(RegCmd); got != second {
		t.Errorf("CMD readback is 0x%x, want the last written word 0x%x", got, second)
	}
	if len(accepted) != 1 {
		t.Fatalf("arbiter accepted %d commands, want 1", len(accepted))
	}
	if !e.Busy() {
		t.Error("Busy dropped while the first command was still running")
	}

	for i := 0; i < 10; i++ {
		s.tick(true, RawType(3+i))
	}
	if len(s.words) != 8 {
		t.Errorf("drained %d words, want the first command's 8", len(s.words))
	}
	if e.Busy() {
		t.Error("Busy still set after the first command finished; the dropped one must not run")
	}
}

func TestStopWhileIdle(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	mustWrite(t, e, RegCmd, CommandWord(KindStop, false))
	if !e.Busy() {
		t.Error("Busy is false while a lone stop works through the automaton")
	}
	s.tick(false, 0) // Idle -> TimeCheck
	out := s.tick(false, 0)
	if !out.Done {
		t.Error("no completion pulse for a lone stop")
	}
	s.tick(false, 0) // dead tick
	if e.Busy() {
		t.Error("Busy still set after a lone stop completed")
	}
	if len(s.words) != 0 {
		t.Errorf("a lone stop drained %d words, want 0", len(s.words))
	}
}

func TestZeroLengthFinite(t *testing.T) {
	e := newTestEngine(t, 64)
	s := newEngineScript(e)
	mustWrite(t, e, RegCmdNumWordsLo, 0)
	mustWrite(t, e, RegCmd, CommandWord(KindFinite, false))
	s.tick(true, 1)
	s.tick(true, 2)
	s.tick(true, 3)
	if e.Busy() {
		t.Error("Busy still set after a zero-length burst")
	}
	if len(s.words) != 0 || len(s.records) != 0 {
		t.Errorf("zero-length burst produced %d words and %d records, want none", len(s.words), len(s.records))
	}
}

func TestReportStallsWithoutAck(t *testing.T) {
	e := newTestEngine(t, 64)
	now := TimeTag(0)
	tick := func(ack bool) TickOutput {
		now++
		return e.Tick(TickInput{Now: now, ErrAck: ack})
	}
	for i := 0; i < 10; i++ {
		tick(false)
	}
	mustWrite(t, e, RegCmdTimeLo, 2)
	mustWrite(t, e, RegCmd, CommandWord(KindContinuous, true))
	tick(false) // settle
	tick(false) // late fires
	tick(false) // ReportError arms

	// No acknowledgement ever: the same code beat stays pending and
	// the automaton holds still, however long we wait.
	for i := 0; i < 50; i++ {
		out := tick(false)
		if out.ErrWrite == nil {
			t.Fatalf("tick %d: no pending beat while stalled", i)
		}
		if out.ErrWrite.Data != uint32(CodeLateCommand) {
			t.Fatalf("tick %d: pending beat data is 0x%x, want the code beat", i, out.ErrWrite.Data)
		}
	}
	if !e.Busy() {
		t.Error("Busy dropped during a stalled report sequence")
	}

	// Device reset is the only way out.
	e.Reset()
	if e.Busy() {
		t.Error("Busy still set after Reset")
	}
	if out := tick(false); out.ErrWrite != nil {
		t.Error("a beat is still pending after Reset")
	}
}

func TestStatusWord(t *testing.T) {
	e := newTestEngine(t, 64)
	status := func() uint32 {
		v, err := e.ReadRegister(RegStatus)
		if err != nil {
			t.Fatalf("ReadRegister(STATUS): %v", err)
		}
		return v
	}
	if v := status(); v&StatusBusyBit != 0 {
		t.Errorf("STATUS is 0x%x at rest, busy bit should be clear", v)
	}
	mustWrite(t, e, RegCmd, CommandWord(KindContinuous, false))
	if v := status(); v&StatusBusyBit == 0 {
		t.Error("busy bit clear in the latch-to-automaton gap; it must cover it")
	}
	now := TimeTag(0)
	tick := func(strobe bool) {
		now++
		e.Tick(TickInput{Now: now, Strobe: strobe, OutReady: true})
	}
	tick(false)
	tick(false)
	if v := status(); v&StatusRunningBit == 0 {
		t.Errorf("STATUS is 0x%x while streaming, running bit should be set", v)
	}
	mustWrite(t, e, RegCmd, CommandWord(KindStop, false))
	tick(false)
	tick(false)
	if v := status(); v&(StatusBusyBit|StatusRunningBit) != 0 {
		t.Errorf("STATUS is 0x%x after stop, busy and running should be clear", v)
	}
}
