// Package usrp controls the receive path of a software-defined-radio
// FPGA. An address-mapped register file accepts stream commands, a
// cycle-stepped acquisition engine turns sample strobes into
// timestamped words with packet framing, and command or overflow
// errors go out as acknowledged writes on a dedicated error port.
// The daq and RPC layers wrap the engine into a running service.
package usrp

// RawType holds one raw sample word from the radio front end:
// 16-bit I in the high half, 16-bit Q in the low half.
type RawType uint32

// TimeTag is the radio's absolute time, a free-running tick count
// supplied by the timekeeper core.
type TimeTag uint64

// PackIQ packs a complex sample into one RawType word.
func PackIQ(i, q int16) RawType {
	return RawType(uint32(uint16(i))<<16 | uint32(uint16(q)))
}

// UnpackIQ splits a RawType word into its I and Q halves.
func UnpackIQ(w RawType) (i, q int16) {
	return int16(uint16(w >> 16)), int16(uint16(w))
}
