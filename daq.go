package usrp

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/redrabbit329/usrp-fpga/internal/acqdb"
	"github.com/redrabbit329/usrp-fpga/internal/npycap"
)

// SourceState is used to indicate the active/inactive/transition state
// of the DAQ.
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // DAQ is not active
	Starting                    // DAQ is in transition to Active state
	Active                      // DAQ is actively ticking the engine
	Stopping                    // DAQ is in transition to Inactive state
)

// captureBatch is how many words accumulate before a capture flush.
const captureBatch = 256

// DAQConfig collects the knobs for building a DAQ.
type DAQConfig struct {
	Source      SourceConfig
	TickRate    int    // radio ticks per second
	BufferWords int    // engine output buffer capacity
	SourceID    uint32 // stream ID stamped into published packets
	CaptureDir  string // where capture files land
}

// DAQ owns the engine and everything around it: one sample source, the
// packet framer, the publishers, the optional capture writer, and the
// acquisition database. All engine access happens on the tick loop
// goroutine; control callers reach it through queuedRequests.
type DAQ struct {
	engine     *RxEngine
	source     SampleSource
	sourceName string
	packetizer *Packetizer
	sender     PacketSender
	updates    chan<- ClientUpdate
	collector  ErrorCollector
	db         *acqdb.Connection

	captureDir string
	capture    *npycap.Writer
	capWords   []uint32
	capTimes   []uint64

	// Bookkeeping for the acquisition being executed. lastAcqID
	// outlives completion so a trailing error report can still be
	// attributed.
	acqMsg         *acqdb.AcquisitionMessage
	lastAcqID      string
	acceptedCount  uint64
	acqWordsBase   uint64
	acqPacketsBase uint64

	now           TimeTag
	ticksPerBatch int
	batchPeriod   time.Duration

	queuedRequests  chan func()
	abortSelf       chan struct{}
	runDone         sync.WaitGroup
	sourceState     SourceState
	sourceStateLock sync.Mutex
}

// NewDAQ builds a stopped DAQ from cfg. The sender and the updates
// channel become property of the DAQ; its Stop closes the sender.
func NewDAQ(cfg DAQConfig, sender PacketSender, updates chan<- ClientUpdate, db *acqdb.Connection) (*DAQ, error) {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 100000
	}
	if cfg.BufferWords <= 0 {
		cfg.BufferWords = 4096
	}
	if cfg.CaptureDir == "" {
		cfg.CaptureDir = "."
	}
	engine, err := NewRxEngine(cfg.BufferWords)
	if err != nil {
		return nil, err
	}
	source, err := NewSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	if db == nil {
		db = acqdb.DummyConnection()
	}
	name := cfg.Source.Name
	if name == "" {
		name = "ramp"
	}
	d := &DAQ{
		engine:         engine,
		source:         source,
		sourceName:     name,
		packetizer:     NewPacketizer(cfg.SourceID),
		sender:         sender,
		updates:        updates,
		db:             db,
		captureDir:     cfg.CaptureDir,
		batchPeriod:    10 * time.Millisecond,
		ticksPerBatch:  cfg.TickRate / 100,
		queuedRequests: make(chan func()),
		abortSelf:      make(chan struct{}),
	}
	if d.ticksPerBatch < 1 {
		d.ticksPerBatch = 1
	}
	d.engine.OnAccept = d.noteAccepted
	d.collector.OnRecord = d.noteErrorRecord
	return d, nil
}

// Start will start the DAQ. Steps are: 1) Sample: a per-source method
// that probes the source for facts we need to know. 2) Activate the run
// bookkeeping. 3) Launch CoreLoop, which owns the engine from then on.
func (d *DAQ) Start() error {
	if err := d.SetStateStarting(); err != nil {
		return err
	}
	if err := d.source.Sample(); err != nil {
		d.SetStateInactive()
		return err
	}
	d.RunDoneActivate()
	go d.CoreLoop()
	return nil
}

// RunDoneActivate adds one to d.runDone, this should only be called in Start
func (d *DAQ) RunDoneActivate() {
	d.sourceStateLock.Lock()
	defer d.sourceStateLock.Unlock()
	d.sourceState = Active
	d.runDone.Add(1)
}

// RunDoneDeactivate calls Done on d.runDone, this should only be called in CoreLoop
func (d *DAQ) RunDoneDeactivate() {
	d.sourceStateLock.Lock()
	d.sourceState = Inactive
	d.runDone.Done()
	d.sourceStateLock.Unlock()
}

// RunDoneWait returns when the DAQ run is done, i.e., the tick loop exited
func (d *DAQ) RunDoneWait() {
	d.runDone.Wait()
}

// GetState returns the current state of the DAQ.
func (d *DAQ) GetState() SourceState {
	d.sourceStateLock.Lock()
	defer d.sourceStateLock.Unlock()
	return d.sourceState
}

// SetStateStarting moves an Inactive DAQ to Starting.
func (d *DAQ) SetStateStarting() error {
	d.sourceStateLock.Lock()
	defer d.sourceStateLock.Unlock()
	if d.sourceState == Inactive {
		d.sourceState = Starting
		return nil
	}
	return fmt.Errorf("cannot Start() a DAQ that's in state %d", d.sourceState)
}

// SetStateInactive moves the DAQ back to Inactive after a failed start.
func (d *DAQ) SetStateInactive() error {
	d.sourceStateLock.Lock()
	defer d.sourceStateLock.Unlock()
	d.sourceState = Inactive
	return nil
}

// Stop tells the tick loop to deactivate.
func (d *DAQ) Stop() error {
	d.sourceStateLock.Lock()
	switch d.sourceState {
	case Inactive:
		d.sourceStateLock.Unlock()
		return fmt.Errorf("DAQ not active, cannot stop")
	case Stopping:
		d.sourceStateLock.Unlock()
		return nil
	}
	d.sourceState = Stopping
	closeIfOpen(d.abortSelf)
	d.sourceStateLock.Unlock()

	d.RunDoneWait()
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		ProblemLogger.Println("warning: you tried to close a channel twice, but the server outsmarted you")
	default:
		close(c)
	}
}

// CoreLoop advances the radio clock and consumes engine output until a
// graceful stop. This will be a long-running goroutine, as long as the
// DAQ is active.
func (d *DAQ) CoreLoop() {
	defer d.RunDoneDeactivate()
	ticker := time.NewTicker(d.batchPeriod)
	defer ticker.Stop()

	for {
		// Use select to interleave 2 activities that should NOT be done concurrently:
		// 1. Handle RPC requests that peek or poke engine state
		// 2. Advance the radio clock and process engine output
		select {
		case request := <-d.queuedRequests:
			request()
		case <-d.abortSelf:
			d.shutdown()
			return
		case <-ticker.C:
			for i := 0; i < d.ticksPerBatch; i++ {
				d.stepTick()
			}
		}
	}
}

// stepTick advances radio time by one tick and routes whatever the
// engine produced.
func (d *DAQ) stepTick() {
	sample, strobe := d.source.NextTick()
	in := TickInput{
		Now:      d.now,
		Sample:   sample,
		Strobe:   strobe,
		OutReady: true,
		ErrAck:   d.collector.AckNow(),
	}
	out := d.engine.Tick(in)
	d.now++

	if out.ErrWrite != nil {
		d.collector.Accept(*out.ErrWrite)
	}
	if out.Word != nil {
		d.handleWord(*out.Word)
	}
	if out.Done {
		d.finishAcquisition()
	}
}

func (d *DAQ) handleWord(w StreamWord) {
	if d.capture != nil {
		d.capWords = append(d.capWords, uint32(w.Data))
		d.capTimes = append(d.capTimes, uint64(w.Time))
		if len(d.capWords) >= captureBatch || w.EOB {
			d.flushCapture()
		}
	}
	if pkt := d.packetizer.Add(w); pkt != nil {
		d.sender.Publish(pkt)
	}
}

func (d *DAQ) flushCapture() {
	if d.capture == nil || len(d.capWords) == 0 {
		return
	}
	if err := d.capture.Append(d.capWords, d.capTimes); err != nil {
		ProblemLogger.Printf("capture append failed, closing the capture: %v", err)
		d.closeCapture("append failed")
	}
	d.capWords = d.capWords[:0]
	d.capTimes = d.capTimes[:0]
}

// noteAccepted runs inside the tick loop whenever the arbiter latches a
// command: new acquisitions and honored stops, never silent drops.
func (d *DAQ) noteAccepted(c Command) {
	d.acceptedCount++
	update := commandUpdate{
		Kind:     c.Kind.String(),
		Timed:    c.Timed,
		Time:     uint64(c.Time),
		NumWords: c.NumWords,
	}
	if c.Kind == KindStop {
		// A stop ends the acquisition already on record; it is not a
		// new one.
		d.publish(TagCommand, update)
		return
	}

	stats := d.engine.Stats()
	d.acqWordsBase = stats.Words
	d.acqPacketsBase = stats.Packets
	msg := &acqdb.AcquisitionMessage{
		ID:             ulid.Make().String(),
		Kind:           c.Kind.String(),
		Timed:          c.Timed,
		StartTag:       uint64(c.Time),
		WordsRequested: c.NumWords,
		Start:          time.Now(),
	}
	if d.capture != nil {
		msg.CaptureFile = d.capture.Base()
	}
	d.acqMsg = msg
	d.lastAcqID = msg.ID
	update.ID = msg.ID
	d.db.RecordAcquisition(msg)
	d.publish(TagCommand, update)
}

// finishAcquisition runs on the engine's completion pulse.
func (d *DAQ) finishAcquisition() {
	if pkt := d.packetizer.Flush(); pkt != nil {
		d.sender.Publish(pkt)
	}
	d.flushCapture()
	if d.acqMsg == nil {
		return
	}
	stats := d.engine.Stats()
	d.acqMsg.WordsStreamed = stats.Words - d.acqWordsBase
	d.acqMsg.Packets = stats.Packets - d.acqPacketsBase
	d.db.FinishAcquisition(d.acqMsg)
	d.acqMsg = nil
}

// noteErrorRecord runs inside the tick loop when the collector finishes
// reassembling a three-beat error report.
func (d *DAQ) noteErrorRecord(rec ErrorRecord) {
	d.publish(TagRxError, errorUpdate{
		Code: uint32(rec.Code),
		Name: rec.Code.String(),
		Time: uint64(rec.Time),
	})
	d.db.RecordStreamError(&acqdb.StreamErrorMessage{
		AcquisitionID: d.lastAcqID,
		Code:          uint32(rec.Code),
		Name:          rec.Code.String(),
		Tag:           uint64(rec.Time),
		Logged:        time.Now(),
	})
}

func (d *DAQ) shutdown() {
	if d.capture != nil {
		d.closeCapture("daq stopping")
	}
	if err := d.source.Close(); err != nil {
		ProblemLogger.Printf("could not close the sample source: %v", err)
	}
	d.sender.Close()
}

// do runs f on the tick loop goroutine and waits for it to finish. All
// control access to the engine goes through here.
func (d *DAQ) do(f func()) error {
	if d.GetState() != Active {
		return fmt.Errorf("DAQ is not running")
	}
	done := make(chan struct{})
	select {
	case d.queuedRequests <- func() { f(); close(done) }:
		<-done
		return nil
	case <-d.abortSelf:
		return fmt.Errorf("DAQ is not running")
	}
}

// Peek reads one register between ticks.
func (d *DAQ) Peek(addr uint32) (uint32, error) {
	var value uint32
	var rerr error
	if err := d.do(func() { value, rerr = d.engine.ReadRegister(addr) }); err != nil {
		return 0, err
	}
	return value, rerr
}

// Poke writes one register between ticks.
func (d *DAQ) Poke(addr, value uint32) error {
	var werr error
	if err := d.do(func() { werr = d.engine.WriteRegister(addr, value) }); err != nil {
		return err
	}
	return werr
}

// IssueCommand stages the command fields and commits them with a single
// CMD write, all within one turn of the tick loop. The returned flag
// reports whether the arbiter latched the command; a command dropped
// while busy returns false with no error, exactly as the hardware would
// stay silent.
func (d *DAQ) IssueCommand(c Command) (bool, error) {
	var accepted bool
	var werr error
	err := d.do(func() {
		pre := d.acceptedCount
		writes := []struct{ addr, value uint32 }{
			{RegCmdNumWordsLo, uint32(c.NumWords)},
			{RegCmdNumWordsHi, uint32(c.NumWords >> 32)},
			{RegCmdTimeLo, uint32(c.Time)},
			{RegCmdTimeHi, uint32(c.Time >> 32)},
			{RegCmd, CommandWord(c.Kind, c.Timed)},
		}
		for _, w := range writes {
			if werr = d.engine.WriteRegister(w.addr, w.value); werr != nil {
				return
			}
		}
		accepted = d.acceptedCount > pre
	})
	if err != nil {
		return false, err
	}
	return accepted, werr
}

// StopAcquisition asks the engine to wind down the active acquisition.
// The flag reports whether a stop was latched.
func (d *DAQ) StopAcquisition() (bool, error) {
	var accepted bool
	var werr error
	err := d.do(func() {
		pre := d.acceptedCount
		werr = d.engine.WriteRegister(RegCmd, CommandWord(KindStop, false))
		accepted = d.acceptedCount > pre
	})
	if err != nil {
		return false, err
	}
	return accepted, werr
}

// ResetEngine forces the automaton, latch, and buffer back to power-on
// state. It is the one escape from an unacknowledged error report.
func (d *DAQ) ResetEngine() error {
	return d.do(func() {
		d.engine.Reset()
		d.collector = ErrorCollector{OnRecord: d.collector.OnRecord}
		d.packetizer = NewPacketizer(d.packetizer.sourceID)
		d.acqMsg = nil
	})
}

// CaptureStart begins writing stream words to a fresh npy capture pair.
// It returns the path stem of the new files.
func (d *DAQ) CaptureStart() (string, error) {
	var base string
	var cerr error
	err := d.do(func() {
		if d.capture != nil {
			cerr = fmt.Errorf("capture already active at %s", d.capture.Base())
			return
		}
		info := npycap.CaptureInfo{
			ID:      ulid.Make().String(),
			Source:  d.sourceName,
			Started: time.Now(),
		}
		if d.acqMsg != nil {
			info.Command = d.acqMsg.Kind
		}
		w, err := npycap.Create(d.captureDir, info)
		if err != nil {
			cerr = err
			return
		}
		d.capture = w
		base = w.Base()
		if d.acqMsg != nil && d.acqMsg.CaptureFile == "" {
			d.acqMsg.CaptureFile = base
		}
		d.publish(TagCapture, captureUpdate{Active: true, File: base})
	})
	if err != nil {
		return "", err
	}
	return base, cerr
}

// CaptureStop closes the active capture pair and returns its path stem.
func (d *DAQ) CaptureStop() (string, error) {
	var base string
	var cerr error
	err := d.do(func() {
		if d.capture == nil {
			cerr = fmt.Errorf("no capture is active")
			return
		}
		base = d.capture.Base()
		cerr = d.closeCapture("stopped by request")
	})
	if err != nil {
		return "", err
	}
	return base, cerr
}

// closeCapture flushes and closes the capture pair. Runs on the tick
// loop only.
func (d *DAQ) closeCapture(reason string) error {
	d.flushCapture()
	w := d.capture
	d.capture = nil
	err := w.Close()
	if err != nil {
		ProblemLogger.Printf("could not close the capture at %s: %v", w.Base(), err)
	}
	d.publish(TagCapture, captureUpdate{
		Active: false,
		File:   w.Base(),
		Words:  w.Words(),
		Reason: reason,
	})
	return err
}

// DAQStatus is the JSON payload behind STATUS updates.
type DAQStatus struct {
	State        string
	Busy         bool
	Running      bool
	Now          uint64
	Sequence     uint32
	BufferDepth  int
	Words        uint64
	Packets      uint64
	Overruns     uint64
	LateCommands uint64
	Source       string
	DroppedWords uint64
	CaptureFile  string
	CaptureWords int64
}

// Status snapshots the engine and its surroundings between ticks.
func (d *DAQ) Status() (DAQStatus, error) {
	var st DAQStatus
	if err := d.do(func() { st = d.currentStatus() }); err != nil {
		return DAQStatus{}, err
	}
	return st, nil
}

func (d *DAQ) currentStatus() DAQStatus {
	stats := d.engine.Stats()
	st := DAQStatus{
		State:        d.engine.StateName(),
		Busy:         d.engine.Busy(),
		Running:      d.engine.Running(),
		Now:          uint64(d.now),
		Sequence:     d.engine.SequenceNumber(),
		BufferDepth:  d.engine.BufferDepth(),
		Words:        stats.Words,
		Packets:      stats.Packets,
		Overruns:     stats.Overruns,
		LateCommands: stats.Late,
		Source:       d.sourceName,
	}
	if us, ok := d.source.(*UDPSource); ok {
		st.DroppedWords = us.DroppedWords()
	}
	if d.capture != nil {
		st.CaptureFile = d.capture.Base()
		st.CaptureWords = d.capture.Words()
	}
	return st
}

// PublishStatus emits one STATUS update from inside the tick loop.
func (d *DAQ) PublishStatus() error {
	return d.do(func() { d.publish(TagStatus, d.currentStatus()) })
}

// PublishAllStatus emits every state-bearing update a fresh client needs.
func (d *DAQ) PublishAllStatus() error {
	return d.do(func() {
		d.publish(TagStatus, d.currentStatus())
		update := captureUpdate{Active: d.capture != nil}
		if d.capture != nil {
			update.File = d.capture.Base()
			update.Words = d.capture.Words()
		}
		d.publish(TagCapture, update)
	})
}

func (d *DAQ) publish(tag string, payload any) {
	if d.updates == nil {
		return
	}
	select {
	case d.updates <- newClientUpdate(tag, payload):
	default:
		ProblemLogger.Printf("dropping a %s update; no listener is keeping up", tag)
	}
}

type commandUpdate struct {
	ID       string `json:",omitempty"`
	Kind     string
	Timed    bool
	Time     uint64
	NumWords uint64
}

type errorUpdate struct {
	Code uint32
	Name string
	Time uint64
}

type captureUpdate struct {
	Active bool
	File   string
	Words  int64
	Reason string `json:",omitempty"`
}
