package usrp

import "fmt"

// Byte offsets of the control-port registers.
const (
	RegStatus         uint32 = 0x00 // read-only
	RegCmd            uint32 = 0x04
	RegCmdNumWordsLo  uint32 = 0x08
	RegCmdNumWordsHi  uint32 = 0x0C
	RegCmdTimeLo      uint32 = 0x10
	RegCmdTimeHi      uint32 = 0x14
	RegMaxWordsPerPkt uint32 = 0x18
	RegErrPort        uint32 = 0x1C
	RegErrRemPort     uint32 = 0x20
	RegErrRemEPID     uint32 = 0x24
	RegErrAddr        uint32 = 0x28
)

// STATUS register layout.
const (
	StatusBusyBit    uint32 = 1 << 0
	StatusRunningBit uint32 = 1 << 1
	statusStateShift        = 4 // bits 7:4 carry the automaton state
)

// CMD register layout: kind in the low bits, timed flag at the top.
const (
	cmdKindMask uint32 = 0x3
	cmdTimedBit uint32 = 1 << 31
)

// Field widths of the error-routing registers. Writes are masked to
// these widths; readback returns the masked value.
const (
	maskPortID uint32 = 0x3FF   // 10-bit port ids
	maskEPID   uint32 = 0xFFFF  // 16-bit endpoint id
	maskAddr   uint32 = 0xFFFFF // 20-bit destination address
)

// defaultMaxWordsPerPkt is the power-on value of MAX_WORDS_PER_PKT.
const defaultMaxWordsPerPkt = 1024

// CommandWord encodes a kind and timed flag as a CMD register value.
func CommandWord(kind CommandKind, timed bool) uint32 {
	w := uint32(kind) & cmdKindMask
	if timed {
		w |= cmdTimedBit
	}
	return w
}

// registerFile is the address-mapped control surface of the engine.
// Each Write or Read is one single-tick-acknowledged bus transaction.
// The num-words and time halves are staging registers: they take
// effect only when a later CMD write commits them, and that ordering
// is the caller's job, not enforced here. A CMD write with a kind
// other than none pulses the accept hook with the assembled command;
// the CMD readback is the raw last-written word either way, even for
// commands the arbiter drops.
type registerFile struct {
	cmdRaw         uint32
	numWordsLo     uint32
	numWordsHi     uint32
	timeLo         uint32
	timeHi         uint32
	maxWordsPerPkt uint32
	errPort        uint32
	errRemPort     uint32
	errRemEPID     uint32
	errAddr        uint32

	status   func() uint32 // STATUS readback, supplied by the engine
	onAccept func(Command) // accept pulse, one per committing CMD write
}

func newRegisterFile() *registerFile {
	return &registerFile{maxWordsPerPkt: defaultMaxWordsPerPkt}
}

// Write updates one register. Unknown addresses, the read-only STATUS
// register, and a zero packet-size cap are rejected.
func (rf *registerFile) Write(addr, value uint32) error {
	switch addr {
	case RegStatus:
		return fmt.Errorf("STATUS register is read-only")
	case RegCmd:
		rf.cmdRaw = value
		kind := CommandKind(value & cmdKindMask)
		if kind != KindNone && rf.onAccept != nil {
			rf.onAccept(Command{
				Kind:     kind,
				Timed:    value&cmdTimedBit != 0,
				Time:     TimeTag(rf.timeHi)<<32 | TimeTag(rf.timeLo),
				NumWords: uint64(rf.numWordsHi)<<32 | uint64(rf.numWordsLo),
			})
		}
	case RegCmdNumWordsLo:
		rf.numWordsLo = value
	case RegCmdNumWordsHi:
		rf.numWordsHi = value
	case RegCmdTimeLo:
		rf.timeLo = value
	case RegCmdTimeHi:
		rf.timeHi = value
	case RegMaxWordsPerPkt:
		if value == 0 {
			return fmt.Errorf("MAX_WORDS_PER_PKT is 0, want a positive packet size cap")
		}
		rf.maxWordsPerPkt = value
	case RegErrPort:
		rf.errPort = value & maskPortID
	case RegErrRemPort:
		rf.errRemPort = value & maskPortID
	case RegErrRemEPID:
		rf.errRemEPID = value & maskEPID
	case RegErrAddr:
		rf.errAddr = value & maskAddr
	default:
		return fmt.Errorf("write to unknown register address 0x%x", addr)
	}
	return nil
}

// Read returns the current value of one register.
func (rf *registerFile) Read(addr uint32) (uint32, error) {
	switch addr {
	case RegStatus:
		if rf.status == nil {
			return 0, nil
		}
		return rf.status(), nil
	case RegCmd:
		return rf.cmdRaw, nil
	case RegCmdNumWordsLo:
		return rf.numWordsLo, nil
	case RegCmdNumWordsHi:
		return rf.numWordsHi, nil
	case RegCmdTimeLo:
		return rf.timeLo, nil
	case RegCmdTimeHi:
		return rf.timeHi, nil
	case RegMaxWordsPerPkt:
		return rf.maxWordsPerPkt, nil
	case RegErrPort:
		return rf.errPort, nil
	case RegErrRemPort:
		return rf.errRemPort, nil
	case RegErrRemEPID:
		return rf.errRemEPID, nil
	case RegErrAddr:
		return rf.errAddr, nil
	}
	return 0, fmt.Errorf("read from unknown register address 0x%x", addr)
}
