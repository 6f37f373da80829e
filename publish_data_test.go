package usrp

import (
	"fmt"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"

	"github.com/redrabbit329/usrp-fpga/packets"
)

func TestChannelSenderDropsWhenFull(t *testing.T) {
	sender := NewChannelSender(2)
	pkt := packets.NewPacket(0x11, 0, 0, false, []uint32{1, 2, 3})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			sender.Publish(pkt)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full channel sender")
	}
	assert.Equal(t, 2, len(sender.C), "a full channel sender should drop extra packets, not hold them")
	sender.Close()
}

func TestPacketPublisherDelivers(t *testing.T) {
	pub, err := NewPacketPublisher(Ports.Packets)
	if err != nil {
		t.Fatalf("PUB socket: %v", err)
	}
	defer pub.Close()

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		t.Fatalf("SUB socket: %v", err)
	}
	defer sub.Close()
	sub.SetSubscribe("")
	sub.SetRcvtimeo(2 * time.Second)
	if err = sub.Connect(fmt.Sprintf("tcp://localhost:%d", Ports.Packets)); err != nil {
		t.Fatalf("SUB connect: %v", err)
	}
	// Give the subscription time to reach the publisher.
	time.Sleep(200 * time.Millisecond)

	pkt := packets.NewPacket(0x11, 7, 1234, true, []uint32{0xAAAA5555, 0x12345678})
	pub.Publish(pkt)
	raw, err := sub.RecvBytes(0)
	if err != nil {
		t.Fatalf("no packet arrived: %v", err)
	}
	want, err := pkt.Bytes()
	assert.Nil(t, err, "packet serialization")
	assert.Equal(t, want, raw, "published packet bytes should arrive unchanged")
}
