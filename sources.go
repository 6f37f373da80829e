package usrp

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lorenzosaino/go-sysctl"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/redrabbit329/usrp-fpga/internal/getbytes"
)

// A SampleSource supplies the sample words consumed by the tick loop.
// NextTick is called once per radio tick and reports whether the sample
// strobe fired on that tick.
type SampleSource interface {
	// Sample determines key data facts by probing the source before
	// the run starts.
	Sample() error
	NextTick() (RawType, bool)
	Close() error
}

// SourceConfig selects and parameterizes a sample source.
type SourceConfig struct {
	Name      string  // ramp, tone, noise, or udp
	Decimate  int     // ticks per sample strobe
	Cycles    float64 // tone cycles per strobe
	Amplitude float64 // tone amplitude in ADC counts
	Sigma     float64 // noise RMS in ADC counts
	Host      string  // udp listen address, e.g. "localhost:4019"
}

// NewSource builds the sample source described by cfg.
func NewSource(cfg SourceConfig) (SampleSource, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "ramp":
		return NewRampSource(cfg.Decimate), nil
	case "tone":
		return NewToneSource(cfg.Cycles, cfg.Amplitude, cfg.Decimate), nil
	case "noise":
		return NewNoiseSource(cfg.Sigma, cfg.Decimate), nil
	case "udp":
		return NewUDPSource(cfg.Host)
	}
	return nil, fmt.Errorf("unknown sample source %q", cfg.Name)
}

// RampSource synthesizes deterministic incrementing sample words.
type RampSource struct {
	next     RawType
	decimate int
	tick     int
}

// NewRampSource creates a RampSource that strobes once per decimate ticks.
func NewRampSource(decimate int) *RampSource {
	if decimate < 1 {
		decimate = 1
	}
	return &RampSource{decimate: decimate}
}

// Sample determines key data facts by sampling some initial data.
// It's a no-op for simulated (software) sources.
func (rs *RampSource) Sample() error { return nil }

// NextTick returns the next ramp word when the strobe fires.
func (rs *RampSource) NextTick() (RawType, bool) {
	rs.tick++
	if rs.tick%rs.decimate != 0 {
		return 0, false
	}
	word := rs.next
	rs.next++
	return word, true
}

// Close is a no-op for simulated sources.
func (rs *RampSource) Close() error { return nil }

// ToneSource synthesizes a complex sinusoid as packed IQ words.
type ToneSource struct {
	phase     float64
	increment float64 // radians per strobe
	amplitude float64
	decimate  int
	tick      int
}

// NewToneSource creates a ToneSource advancing cyclesPerStrobe of the
// tone per sample strobe.
func NewToneSource(cyclesPerStrobe, amplitude float64, decimate int) *ToneSource {
	if decimate < 1 {
		decimate = 1
	}
	if cyclesPerStrobe <= 0 {
		cyclesPerStrobe = 0.01
	}
	if amplitude <= 0 {
		amplitude = 0.5 * math.MaxInt16
	}
	return &ToneSource{
		increment: 2 * math.Pi * cyclesPerStrobe,
		amplitude: amplitude,
		decimate:  decimate,
	}
}

// Sample determines key data facts by sampling some initial data.
// It's a no-op for simulated (software) sources.
func (ts *ToneSource) Sample() error { return nil }

// NextTick returns the next point on the tone when the strobe fires.
func (ts *ToneSource) NextTick() (RawType, bool) {
	ts.tick++
	if ts.tick%ts.decimate != 0 {
		return 0, false
	}
	i := int16(ts.amplitude * math.Cos(ts.phase))
	q := int16(ts.amplitude * math.Sin(ts.phase))
	ts.phase += ts.increment
	if ts.phase > 2*math.Pi {
		ts.phase -= 2 * math.Pi
	}
	return PackIQ(i, q), true
}

// Close is a no-op for simulated sources.
func (ts *ToneSource) Close() error { return nil }

// NoiseSource synthesizes Gaussian IQ noise.
type NoiseSource struct {
	dist     distuv.Normal
	decimate int
	tick     int
}

// NewNoiseSource creates a NoiseSource with the given RMS per quadrature.
func NewNoiseSource(sigma float64, decimate int) *NoiseSource {
	if decimate < 1 {
		decimate = 1
	}
	if sigma <= 0 {
		sigma = 4096
	}
	return &NoiseSource{
		dist:     distuv.Normal{Mu: 0, Sigma: sigma},
		decimate: decimate,
	}
}

// Sample determines key data facts by sampling some initial data.
// It's a no-op for simulated (software) sources.
func (ns *NoiseSource) Sample() error { return nil }

// NextTick returns a fresh noise word when the strobe fires.
func (ns *NoiseSource) NextTick() (RawType, bool) {
	ns.tick++
	if ns.tick%ns.decimate != 0 {
		return 0, false
	}
	return PackIQ(clampIQ(ns.dist.Rand()), clampIQ(ns.dist.Rand())), true
}

// Close is a no-op for simulated sources.
func (ns *NoiseSource) Close() error { return nil }

func clampIQ(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

const (
	// udpQueueDepth bounds how many received words can wait for the
	// tick loop before the reader starts discarding.
	udpQueueDepth = 1 << 16

	// recommendedRcvbuf is the socket receive buffer wanted for
	// lossless capture at full rate.
	recommendedRcvbuf = 8 << 20
)

// UDPSource receives sample words from a feeder process as datagrams of
// little-endian 32-bit words.
type UDPSource struct {
	host    string
	conn    *net.UDPConn
	words   chan RawType
	dropped atomic.Uint64
	abort   chan struct{}
	wg      sync.WaitGroup
}

// NewUDPSource opens a listening socket on host and starts the reader.
func NewUDPSource(host string) (*UDPSource, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", raddr)
	if err != nil {
		return nil, err
	}
	us := &UDPSource{
		host:  host,
		conn:  conn,
		words: make(chan RawType, udpQueueDepth),
		abort: make(chan struct{}),
	}
	us.wg.Add(1)
	go us.readPackets()
	return us, nil
}

// Sample checks that the kernel allows a receive buffer large enough for
// full-rate capture, then asks for one.
func (us *UDPSource) Sample() error {
	if raw, err := sysctl.Get("net.core.rmem_max"); err == nil {
		if v, perr := strconv.Atoi(strings.TrimSpace(raw)); perr == nil && v < recommendedRcvbuf {
			ProblemLogger.Printf("net.core.rmem_max is %d, want at least %d; UDP capture may drop (sysctl -w net.core.rmem_max=%d)",
				v, recommendedRcvbuf, recommendedRcvbuf)
		}
	}
	return us.conn.SetReadBuffer(recommendedRcvbuf)
}

// NextTick returns a received word if one is waiting. The strobe fires
// only when the feeder has supplied data.
func (us *UDPSource) NextTick() (RawType, bool) {
	select {
	case w := <-us.words:
		return w, true
	default:
		return 0, false
	}
}

// DroppedWords returns how many words were discarded because the tick
// loop fell behind the feeder.
func (us *UDPSource) DroppedWords() uint64 {
	return us.dropped.Load()
}

// LocalAddr returns the bound listening address.
func (us *UDPSource) LocalAddr() net.Addr {
	return us.conn.LocalAddr()
}

// Close shuts down the socket and waits for the reader to exit. Close
// the source only once.
func (us *UDPSource) Close() error {
	close(us.abort)
	err := us.conn.Close()
	us.wg.Wait()
	return err
}

func (us *UDPSource) readPackets() {
	defer us.wg.Done()
	p := make([]byte, 16384)
	for {
		n, _, err := us.conn.ReadFromUDP(p)
		if err != nil {
			select {
			case <-us.abort:
			default:
				ProblemLogger.Printf("UDP read on %s failed: %v", us.host, err)
			}
			return
		}
		words, err := getbytes.ToUint32Slice(p[:n])
		if err != nil {
			ProblemLogger.Printf("discarding %d byte datagram: %v", n, err)
			continue
		}
		for _, w := range words {
			select {
			case us.words <- RawType(w):
			default:
				us.dropped.Add(1)
			}
		}
	}
}
