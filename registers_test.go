package usrp

import "testing"

func TestRegisterRoundTrip(t *testing.T) {
	rf := newRegisterFile()
	cases := []struct {
		name  string
		addr  uint32
		value uint32
	}{
		{"MAX_WORDS_PER_PKT", RegMaxWordsPerPkt, 0x1234},
		{"CMD_NUM_WORDS_LO", RegCmdNumWordsLo, 0xDEADBEEF},
		{"CMD_NUM_WORDS_HI", RegCmdNumWordsHi, 0x00000007},
		{"CMD_TIME_LO", RegCmdTimeLo, 0xCAFE0000},
		{"CMD_TIME_HI", RegCmdTimeHi, 0x00000001},
		{"ERR_PORT", RegErrPort, 0x2A5},
		{"ERR_REM_PORT", RegErrRemPort, 0x3FF},
		{"ERR_REM_EPID", RegErrRemEPID, 0xBEEF},
		{"ERR_ADDR", RegErrAddr, 0xFFFFF},
	}
	for _, c := range cases {
		if err := rf.Write(c.addr, c.value); err != nil {
			t.Errorf("%s write: %v", c.name, err)
			continue
		}
		got, err := rf.Read(c.addr)
		if err != nil {
			t.Errorf("%s read: %v", c.name, err)
			continue
		}
		if got != c.value {
			t.Errorf("%s round trip is 0x%x, want 0x%x", c.name, got, c.value)
		}
	}
}

func TestRegisterFieldMasks(t *testing.T) {
	rf := newRegisterFile()
	cases := []struct {
		name string
		addr uint32
		want uint32
	}{
		{"ERR_PORT", RegErrPort, 0x3FF},
		{"ERR_REM_PORT", RegErrRemPort, 0x3FF},
		{"ERR_REM_EPID", RegErrRemEPID, 0xFFFF},
		{"ERR_ADDR", RegErrAddr, 0xFFFFF},
	}
	for _, c := range cases {
		if err := rf.Write(c.addr, 0xFFFFFFFF); err != nil {
			t.Fatalf("%s write: %v", c.name, err)
		}
		got, _ := rf.Read(c.addr)
		if got != c.want {
			t.Errorf("%s masks to 0x%x, want 0x%x", c.name, got, c.want)
		}
	}
}

func TestRegisterWriteErrors(t *testing.T) {
	rf := newRegisterFile()
	if err := rf.Write(RegStatus, 1); err == nil {
		t.Error("write to STATUS succeeded; it is read-only")
	}
	if err := rf.Write(0x44, 1); err == nil {
		t.Error("write to an unmapped address succeeded")
	}
	if _, err := rf.Read(0x44); err == nil {
		t.Error("read from an unmapped address succeeded")
	}
	if err := rf.Write(RegMaxWordsPerPkt, 0); err == nil {
		t.Error("zero MAX_WORDS_PER_PKT accepted; the cap must stay positive")
	}
	got, _ := rf.Read(RegMaxWordsPerPkt)
	if got != defaultMaxWordsPerPkt {
		t.Errorf("MAX_WORDS_PER_PKT is 0x%x after rejected write, want the power-on 0x%x", got, uint32(defaultMaxWordsPerPkt))
	}
}

func TestCommandAssemblyOnCmdWrite(t *testing.T) {
	rf := newRegisterFile()
	var got []Command
	rf.onAccept = func(c Command) { got = append(got, c) }

	rf.Write(RegCmdNumWordsLo, 0x89ABCDEF)
	rf.Write(RegCmdNumWordsHi, 0x01234567)
	rf.Write(RegCmdTimeLo, 0x55AA55AA)
	rf.Write(RegCmdTimeHi, 0x00000042)
	rf.Write(RegCmd, CommandWord(KindFinite, true))

	if len(got) != 1 {
		t.Fatalf("accept pulsed %d times, want 1", len(got))
	}
	want := Command{
		Kind:     KindFinite,
		Timed:    true,
		Time:     0x4255AA55AA,
		NumWords: 0x0123456789ABCDEF,
	}
	if got[0] != want {
		t.Errorf("assembled command is %+v, want %+v", got[0], want)
	}
}

func TestCmdKindNoneDoesNotPulse(t *testing.T) {
	rf := newRegisterFile()
	pulses := 0
	rf.onAccept = func(Command) { pulses++ }
	word := CommandWord(KindNone, true)
	if err := rf.Write(RegCmd, word); err != nil {
		t.Fatalf("CMD write: %v", err)
	}
	if pulses != 0 {
		t.Errorf("accept pulsed %d times for kind none, want 0", pulses)
	}
	if got, _ := rf.Read(RegCmd); got != word {
		t.Errorf("CMD readback is 0x%x, want the raw written word 0x%x", got, word)
	}
}

func TestCmdReadbackIsRaw(t *testing.T) {
	rf := newRegisterFile()
	rf.onAccept = func(Command) {}
	word := CommandWord(KindContinuous, false) | 0x7FFF0000 // junk in unused bits
	rf.Write(RegCmd, word)
	if got, _ := rf.Read(RegCmd); got != word {
		t.Errorf("CMD readback is 0x%x, want 0x%x with the unused bits intact", got, word)
	}
}
