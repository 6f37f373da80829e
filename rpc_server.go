package usrp

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
)

// RxControl is the sub-server that handles configuration and operation of
// the receive path.
type RxControl struct {
	daq           *DAQ
	clientUpdates chan<- ClientUpdate
}

// Ping is a trivial RPC service that reports the server build.
func (rc *RxControl) Ping(dummy *string, reply *string) error {
	*reply = fmt.Sprintf("usrprxd %s (%s)", Build.Version, Build.Githash)
	return nil
}

// RegisterObject is the RPC-usable structure for Peek and Poke.
type RegisterObject struct {
	Addr  uint32
	Value uint32
}

// Peek reads the control-port register at args.Addr.
func (rc *RxControl) Peek(args *RegisterObject, reply *RegisterObject) error {
	value, err := rc.daq.Peek(args.Addr)
	if err != nil {
		return err
	}
	*reply = RegisterObject{Addr: args.Addr, Value: value}
	return nil
}

// Poke writes the control-port register at args.Addr.
func (rc *RxControl) Poke(args *RegisterObject, reply *bool) error {
	log.Printf("Poke: [0x%02x] <- 0x%08x\n", args.Addr, args.Value)
	err := rc.daq.Poke(args.Addr, args.Value)
	*reply = (err == nil)
	return err
}

// CommandObject is the RPC-usable structure for IssueCommand.
type CommandObject struct {
	Kind     string
	Timed    bool
	Time     uint64
	NumWords uint64
}

// IssueCommand stages and commits one stream command. The reply says
// whether the command was latched; a command refused because another is
// already in flight replies false with no error, matching the silence
// on the control port.
func (rc *RxControl) IssueCommand(args *CommandObject, reply *bool) error {
	log.Printf("IssueCommand: %s timed=%t time=%d numwords=%d\n", args.Kind, args.Timed, args.Time, args.NumWords)
	kind, err := ParseCommandKind(args.Kind)
	if err != nil {
		return err
	}
	accepted, err := rc.daq.IssueCommand(Command{
		Kind:     kind,
		Timed:    args.Timed,
		Time:     TimeTag(args.Time),
		NumWords: args.NumWords,
	})
	*reply = accepted
	log.Printf("Result is accepted=%t\n", *reply)
	return err
}

// StopAcquisition asks the engine to wind down the acquisition in
// flight. The reply says whether a stop was latched.
func (rc *RxControl) StopAcquisition(dummy *string, reply *bool) error {
	log.Printf("StopAcquisition\n")
	accepted, err := rc.daq.StopAcquisition()
	*reply = accepted
	return err
}

// Status reports a snapshot of the engine and its surroundings.
func (rc *RxControl) Status(dummy *string, reply *DAQStatus) error {
	st, err := rc.daq.Status()
	if err != nil {
		return err
	}
	*reply = st
	return nil
}

// CaptureStart begins recording stream words to a fresh npy file pair
// and replies with the path stem of the new files.
func (rc *RxControl) CaptureStart(dummy *string, reply *string) error {
	base, err := rc.daq.CaptureStart()
	if err != nil {
		return err
	}
	log.Printf("CaptureStart: %s\n", base)
	*reply = base
	return nil
}

// CaptureStop closes the recording in progress and replies with its
// path stem.
func (rc *RxControl) CaptureStop(dummy *string, reply *string) error {
	base, err := rc.daq.CaptureStop()
	if err != nil {
		return err
	}
	log.Printf("CaptureStop: %s\n", base)
	*reply = base
	return nil
}

// ResetEngine forces the engine back to power-on state. It is the
// escape hatch when an error report sits unacknowledged.
func (rc *RxControl) ResetEngine(dummy *string, reply *bool) error {
	log.Printf("ResetEngine\n")
	err := rc.daq.ResetEngine()
	*reply = (err == nil)
	return err
}

// ErrorRouteConfig holds the error-port routing registers as one group.
type ErrorRouteConfig struct {
	Port    uint32
	RemPort uint32
	RemEPID uint32
	Addr    uint32
}

// ConfigureErrorRoute points the error port's reporting writes at the
// given remote destination.
func (rc *RxControl) ConfigureErrorRoute(args *ErrorRouteConfig, reply *bool) error {
	log.Printf("ConfigureErrorRoute: port=%d remote=%d epid=0x%04x addr=0x%05x\n",
		args.Port, args.RemPort, args.RemEPID, args.Addr)
	writes := []struct{ addr, value uint32 }{
		{RegErrPort, args.Port},
		{RegErrRemPort, args.RemPort},
		{RegErrRemEPID, args.RemEPID},
		{RegErrAddr, args.Addr},
	}
	for _, w := range writes {
		if err := rc.daq.Poke(w.addr, w.value); err != nil {
			*reply = false
			return err
		}
	}
	viper.Set("errorroute", args)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save the error route: %v", err)
	}
	rc.publish(TagErrorRoute, args)
	*reply = true
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (rc *RxControl) SendAllStatus(dummy *string, reply *bool) error {
	err := rc.daq.PublishAllStatus()
	*reply = (err == nil)
	return err
}

func (rc *RxControl) publish(tag string, payload any) {
	if rc.clientUpdates == nil {
		return
	}
	select {
	case rc.clientUpdates <- newClientUpdate(tag, payload):
	default:
		ProblemLogger.Printf("dropping a %s update; no listener is keeping up", tag)
	}
}

// restoreRegisters pushes register settings saved by a previous run into
// the engine. Missing keys are left at their power-on values.
func (rc *RxControl) restoreRegisters() {
	var okay bool
	if viper.IsSet("errorroute") {
		var route ErrorRouteConfig
		err := viper.UnmarshalKey("errorroute", &route)
		if err == nil {
			rc.ConfigureErrorRoute(&route, &okay)
		}
	}
	if maxwords := viper.GetUint32("maxwordsperpkt"); maxwords > 0 {
		ro := RegisterObject{Addr: RegMaxWordsPerPkt, Value: maxwords}
		rc.Poke(&ro, &okay)
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server controlling
// the given DAQ.
func RunRPCServer(messageChan chan<- ClientUpdate, portrpc int, daq *DAQ) {

	// Set up the object that handles remote calls
	rxControl := new(RxControl)
	rxControl.daq = daq
	rxControl.clientUpdates = messageChan

	// Load stored settings
	log.Printf("usrprxd is using config file %s\n", viper.ConfigFileUsed())
	rxControl.restoreRegisters()

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			daq.PublishStatus()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(rxControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
