// Package packets defines the wire format for receive-path sample
// packets: a fixed big-endian header carrying identity, sequence
// number, first-sample timestamp and burst framing, followed by the
// 32-bit sample payload.
package packets

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PACKETMAGIC is the packet header's magic number.
const PACKETMAGIC uint32 = 0x44525850

// packetVersion is the wire format version this package writes.
const packetVersion uint8 = 1

// headerLength is the byte length of the fixed header.
const headerLength uint8 = 28

// flagEndOfBurst marks the packet that closes a commanded acquisition.
const flagEndOfBurst uint8 = 1 << 0

// MaxDataWords is the largest payload a single packet can carry, set
// by the 16-bit payload length field counting bytes.
const MaxDataWords = (1<<16 - 4) / 4

// Packet is one wire packet of receive samples. The timestamp is the
// absolute time tag of the packet's first sample word.
type Packet struct {
	version        uint8
	sourceID       uint32
	sequenceNumber uint32
	timestamp      uint64
	endOfBurst     bool

	// Data holds the payload sample words.
	Data []uint32
}

// NewPacket assembles a packet ready for Bytes. The data slice is
// retained, not copied.
func NewPacket(sourceID, sequenceNumber uint32, timestamp uint64, endOfBurst bool, data []uint32) *Packet {
	return &Packet{
		version:        packetVersion,
		sourceID:       sourceID,
		sequenceNumber: sequenceNumber,
		timestamp:      timestamp,
		endOfBurst:     endOfBurst,
		Data:           data,
	}
}

// SourceID returns the stream identity the packet was produced under.
func (p *Packet) SourceID() uint32 { return p.sourceID }

// SequenceNumber returns the packet's sequence number.
func (p *Packet) SequenceNumber() uint32 { return p.sequenceNumber }

// Timestamp returns the time tag of the packet's first sample word.
func (p *Packet) Timestamp() uint64 { return p.timestamp }

// EndOfBurst reports whether this packet closes its acquisition.
func (p *Packet) EndOfBurst() bool { return p.endOfBurst }

// Length returns the payload length in words.
func (p *Packet) Length() int { return len(p.Data) }

func (p *Packet) String() string {
	eob := ""
	if p.endOfBurst {
		eob = " EOB"
	}
	return fmt.Sprintf("packet source 0x%x seq %d time %d: %d words%s",
		p.sourceID, p.sequenceNumber, p.timestamp, len(p.Data), eob)
}

// Bytes serializes the packet.
func (p *Packet) Bytes() ([]byte, error) {
	if len(p.Data) > MaxDataWords {
		return nil, fmt.Errorf("Payload is %d words, expect no more than %d", len(p.Data), MaxDataWords)
	}
	buf := new(bytes.Buffer)
	var flags uint8
	if p.endOfBurst {
		flags |= flagEndOfBurst
	}
	binary.Write(buf, binary.BigEndian, p.version)
	binary.Write(buf, binary.BigEndian, headerLength)
	binary.Write(buf, binary.BigEndian, uint16(4*len(p.Data)))
	binary.Write(buf, binary.BigEndian, PACKETMAGIC)
	binary.Write(buf, binary.BigEndian, p.sourceID)
	binary.Write(buf, binary.BigEndian, p.sequenceNumber)
	binary.Write(buf, binary.BigEndian, p.timestamp)
	binary.Write(buf, binary.BigEndian, flags)
	buf.Write([]byte{0, 0, 0})
	if err := binary.Write(buf, binary.BigEndian, p.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPacket reads and validates one packet from an io.Reader. Headers
// longer than this version's are allowed; the extra bytes are skipped.
func ReadPacket(data io.Reader) (p *Packet, err error) {
	p = new(Packet)
	if err = binary.Read(data, binary.BigEndian, &p.version); err != nil {
		return nil, err
	}
	if p.version != packetVersion {
		return nil, fmt.Errorf("Packet version is %d, expect %d", p.version, packetVersion)
	}
	var hlength uint8
	if err = binary.Read(data, binary.BigEndian, &hlength); err != nil {
		return nil, err
	}
	if hlength < headerLength {
		return nil, fmt.Errorf("Header length is %d, expect at least %d", hlength, headerLength)
	}
	var plength uint16
	if err = binary.Read(data, binary.BigEndian, &plength); err != nil {
		return nil, err
	}
	if plength%4 != 0 {
		return nil, fmt.Errorf("Payload length is %d, expect multiple of 4", plength)
	}
	var magic uint32
	if err = binary.Read(data, binary.BigEndian, &magic); err != nil {
		return nil, err
	}
	if magic != PACKETMAGIC {
		return nil, fmt.Errorf("Magic was 0x%x, want 0x%x", magic, PACKETMAGIC)
	}
	if err = binary.Read(data, binary.BigEndian, &p.sourceID); err != nil {
		return nil, err
	}
	if err = binary.Read(data, binary.BigEndian, &p.sequenceNumber); err != nil {
		return nil, err
	}
	if err = binary.Read(data, binary.BigEndian, &p.timestamp); err != nil {
		return nil, err
	}
	var flags uint8
	if err = binary.Read(data, binary.BigEndian, &flags); err != nil {
		return nil, err
	}
	p.endOfBurst = flags&flagEndOfBurst != 0
	pad := make([]byte, 3+int(hlength)-int(headerLength))
	if _, err = io.ReadFull(data, pad); err != nil {
		return nil, err
	}
	p.Data = make([]uint32, plength/4)
	if err = binary.Read(data, binary.BigEndian, p.Data); err != nil {
		return nil, err
	}
	return p, nil
}
