// rxfeed feeds a usrprxd UDP sample source with synthesized waveforms,
// standing in for the radio front end during bench work. Words travel
// as little-endian uint32 datagrams at a steady rate.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	usrp "github.com/redrabbit329/usrp-fpga"
	"github.com/redrabbit329/usrp-fpga/internal/getbytes"
)

// FeedControl collects the generator settings.
type FeedControl struct {
	target    string
	kind      string
	wordrate  int
	perPkt    int
	seconds   int
	cycles    float64
	amplitude float64
	sigma     float64
}

func coerceInt(f *int, minval, maxval int) {
	if *f < minval {
		*f = minval
	}
	if *f > maxval {
		*f = maxval
	}
}

// generateWords produces blocks of sample words at the configured rate
// and pushes them to ch until cancel closes or the feeding time runs
// out. A partial block at shutdown is dropped.
func generateWords(ch chan<- []uint32, cancel chan os.Signal, control FeedControl) error {
	src, err := usrp.NewSource(usrp.SourceConfig{
		Name:      control.kind,
		Cycles:    control.cycles,
		Amplitude: control.amplitude,
		Sigma:     control.sigma,
	})
	if err != nil {
		return err
	}
	defer src.Close()
	if err := src.Sample(); err != nil {
		return err
	}

	const period = 10 * time.Millisecond
	perBatch := control.wordrate / 100
	if perBatch < 1 {
		perBatch = 1
	}
	var deadline time.Time
	if control.seconds > 0 {
		deadline = time.Now().Add(time.Duration(control.seconds) * time.Second)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	block := make([]uint32, 0, control.perPkt)
	for {
		select {
		case <-cancel:
			return nil
		case <-ticker.C:
			for i := 0; i < perBatch; i++ {
				w, ok := src.NextTick()
				if !ok {
					continue
				}
				block = append(block, uint32(w))
				if len(block) == control.perPkt {
					out := make([]uint32, len(block))
					copy(out, block)
					ch <- out
					block = block[:0]
				}
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return nil
			}
		}
	}
}

// udpwriter drains blocks of sample words to the target, one datagram
// per block.
func udpwriter(target string, blocks <-chan []uint32) error {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}
	go func() {
		defer conn.Close()
		for b := range blocks {
			if _, err := conn.Write(getbytes.FromSlice(b)); err != nil {
				fmt.Printf("UDP write failed: %v\n", err)
				return
			}
		}
	}()
	return nil
}

func main() {
	target := flag.String("target", "localhost:4019", "host:port of the usrprxd udp source")
	kind := flag.String("source", "ramp", "waveform to feed: ramp, tone, or noise")
	rate := flag.Int("rate", 100000, "sample words per second")
	perpkt := flag.Int("words", 256, "sample words per datagram")
	seconds := flag.Int("seconds", 0, "feeding time in seconds (0 means until interrupted)")
	cycles := flag.Float64("cycles", 0.01, "tone cycles per sample")
	amplitude := flag.Float64("amplitude", 0, "tone amplitude in ADC counts (0 means half scale)")
	sigma := flag.Float64("sigma", 0, "noise RMS in ADC counts (0 means the built-in level)")
	flag.Parse()

	control := FeedControl{
		target:    *target,
		kind:      *kind,
		wordrate:  *rate,
		perPkt:    *perpkt,
		seconds:   *seconds,
		cycles:    *cycles,
		amplitude: *amplitude,
		sigma:     *sigma,
	}
	coerceInt(&control.wordrate, 100, 10000000)
	coerceInt(&control.perPkt, 1, 8192)

	fmt.Printf("Feeding %s words to %s at %d words/s, %d per datagram\n",
		control.kind, control.target, control.wordrate, control.perPkt)

	cancel := make(chan os.Signal, 1)
	signal.Notify(cancel, os.Interrupt)

	blocks := make(chan []uint32)
	if err := udpwriter(control.target, blocks); err != nil {
		fmt.Printf("cannot reach %s: %v\n", control.target, err)
		os.Exit(1)
	}
	if err := generateWords(blocks, cancel, control); err != nil {
		fmt.Printf("generator failed: %v\n", err)
		os.Exit(1)
	}
	close(blocks)
}
