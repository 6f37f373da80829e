package usrp

import (
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/redrabbit329/usrp-fpga/internal/unboundedchan"
	"github.com/redrabbit329/usrp-fpga/packets"
)

// A PacketSender accepts finished packets drained from the tick loop.
type PacketSender interface {
	Publish(pkt *packets.Packet)
	Close()
}

// PacketPublisher forwards packets to a ZMQ PUB socket without ever
// making the tick loop wait: packets pass through an unbounded queue, so
// a slow subscriber stalls only the sending goroutine.
type PacketPublisher struct {
	queue *unboundedchan.UnboundedChannel[*packets.Packet]
	done  chan struct{}
}

// NewPacketPublisher binds a PUB socket on portnum and starts the sender.
func NewPacketPublisher(portnum int) (*PacketPublisher, error) {
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := pubSocket.Bind(hostname); err != nil {
		pubSocket.Close()
		return nil, err
	}
	pp := &PacketPublisher{
		queue: unboundedchan.NewUnboundedChannel[*packets.Packet](),
		done:  make(chan struct{}),
	}
	go pp.serve(pubSocket)
	return pp, nil
}

// Publish queues one packet for subscribers. It never blocks.
func (pp *PacketPublisher) Publish(pkt *packets.Packet) {
	pp.queue.In() <- pkt
}

// Close stops the sender once the queued packets have drained.
func (pp *PacketPublisher) Close() {
	close(pp.queue.In())
	<-pp.done
}

func (pp *PacketPublisher) serve(pubSocket *zmq.Socket) {
	defer close(pp.done)
	defer pubSocket.Close()
	for pkt := range pp.queue.Out() {
		blob, err := pkt.Bytes()
		if err != nil {
			ProblemLogger.Printf("could not encode packet for publication: %v", err)
			continue
		}
		if _, err := pubSocket.SendBytes(blob, 0); err != nil {
			ProblemLogger.Printf("could not publish packet: %v", err)
		}
	}
}

// ChannelSender collects packets on a Go channel in place of a socket.
// Tests use it to watch what the tick loop publishes.
type ChannelSender struct {
	C chan *packets.Packet
}

// NewChannelSender returns a ChannelSender buffering up to depth packets.
func NewChannelSender(depth int) *ChannelSender {
	return &ChannelSender{C: make(chan *packets.Packet, depth)}
}

// Publish delivers the packet if a receiver keeps up, else drops it.
func (cs *ChannelSender) Publish(pkt *packets.Packet) {
	select {
	case cs.C <- pkt:
	default:
	}
}

// Close is a no-op; the channel stays open for late readers.
func (cs *ChannelSender) Close() {}
