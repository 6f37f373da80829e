package usrp

import "github.com/redrabbit329/usrp-fpga/packets"

// Packetizer groups drained stream words into wire packets. A word
// flagged EOP closes the packet under construction; the closing word's
// EOB flag marks the packet as the acquisition's last. The sequence
// number advances per closed packet, in step with the engine's own
// count, since both advance on EOP.
type Packetizer struct {
	sourceID uint32
	seq      uint32
	words    []uint32
	first    TimeTag
}

// NewPacketizer returns a packetizer stamping packets with the given
// source identity.
func NewPacketizer(sourceID uint32) *Packetizer {
	return &Packetizer{sourceID: sourceID}
}

// Add consumes one drained word. When the word closes a packet, the
// completed packet is returned; otherwise nil.
func (p *Packetizer) Add(w StreamWord) *packets.Packet {
	if len(p.words) == 0 {
		p.first = w.Time
	}
	p.words = append(p.words, uint32(w.Data))
	if !w.EOP && !w.EOB {
		return nil
	}
	return p.close(w.EOB)
}

// Flush closes a dangling partial packet, if any. Used at shutdown so
// no drained word is lost.
func (p *Packetizer) Flush() *packets.Packet {
	if len(p.words) == 0 {
		return nil
	}
	return p.close(false)
}

// SequenceNumber returns the number of packets closed so far.
func (p *Packetizer) SequenceNumber() uint32 { return p.seq }

func (p *Packetizer) close(endOfBurst bool) *packets.Packet {
	pkt := packets.NewPacket(p.sourceID, p.seq, uint64(p.first), endOfBurst, p.words)
	p.seq++
	p.words = nil
	return pkt
}
