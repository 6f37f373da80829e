// usrpctl is an interactive control console for a running usrprxd. It
// speaks the JSON-RPC control protocol and keeps a readline history in
// $HOME/.usrprx.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	usrp "github.com/redrabbit329/usrp-fpga"
)

var commandNames = []string{
	"capture", "help", "peek", "ping", "poke", "quit", "reset", "route",
	"sendall", "start", "status", "stop",
}

var registerNames = map[string]uint32{
	"status":      usrp.RegStatus,
	"cmd":         usrp.RegCmd,
	"numwords_lo": usrp.RegCmdNumWordsLo,
	"numwords_hi": usrp.RegCmdNumWordsHi,
	"time_lo":     usrp.RegCmdTimeLo,
	"time_hi":     usrp.RegCmdTimeHi,
	"maxwords":    usrp.RegMaxWordsPerPkt,
	"errport":     usrp.RegErrPort,
	"remport":     usrp.RegErrRemPort,
	"remepid":     usrp.RegErrRemEPID,
	"erraddr":     usrp.RegErrAddr,
}

const helpText = `Commands:
  status                       print the engine and stream state
  peek <reg>                   read a register by name or address
  poke <reg> <value>           write a register by name or address
  start finite <n> [at <tag>]  stream n words, now or at a time tag
  start continuous [at <tag>]  stream until stopped
  stop                         wind down the acquisition in flight
  capture start|stop           record stream words to npy files
  route <port> <rem> <epid> <addr>   set the error reporting route
  reset                        force the engine back to power-on state
  sendall                      ask the server to rebroadcast all status
  ping                         check the server and print its version
  quit                         leave (ctrl-D works too)
Registers: status cmd numwords_lo numwords_hi time_lo time_hi
           maxwords errport remport remepid erraddr`

// parseRegister accepts a register name from the table above or a
// numeric address like 0x18.
func parseRegister(s string) (uint32, error) {
	if addr, ok := registerNames[strings.ToLower(s)]; ok {
		return addr, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a register name or address", s)
	}
	return uint32(v), nil
}

func parseValue(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a 32-bit value", s)
	}
	return uint32(v), nil
}

func printStatus(st usrp.DAQStatus) {
	fmt.Printf("state=%s busy=%t running=%t now=%d\n", st.State, st.Busy, st.Running, st.Now)
	fmt.Printf("sequence=%d buffered=%d words=%d packets=%d\n", st.Sequence, st.BufferDepth, st.Words, st.Packets)
	fmt.Printf("overruns=%d late_commands=%d source=%s dropped=%d\n", st.Overruns, st.LateCommands, st.Source, st.DroppedWords)
	if st.CaptureFile != "" {
		fmt.Printf("capturing to %s (%d words)\n", st.CaptureFile, st.CaptureWords)
	}
}

// doStart parses the argument forms of the start command into one
// stream command and issues it.
func doStart(client *rpc.Client, args []string) {
	if len(args) < 1 {
		fmt.Println("start wants a command kind; try \"help\"")
		return
	}
	co := usrp.CommandObject{Kind: args[0]}
	rest := args[1:]
	if co.Kind == "finite" {
		if len(rest) < 1 {
			fmt.Println("start finite wants a word count")
			return
		}
		n, err := strconv.ParseUint(rest[0], 0, 64)
		if err != nil {
			fmt.Printf("%q is not a word count\n", rest[0])
			return
		}
		co.NumWords = n
		rest = rest[1:]
	}
	if len(rest) == 2 && rest[0] == "at" {
		tag, err := strconv.ParseUint(rest[1], 0, 64)
		if err != nil {
			fmt.Printf("%q is not a time tag\n", rest[1])
			return
		}
		co.Timed = true
		co.Time = tag
		rest = rest[2:]
	}
	if len(rest) != 0 {
		fmt.Printf("unexpected arguments %v; try \"help\"\n", rest)
		return
	}
	var accepted bool
	if err := client.Call("RxControl.IssueCommand", &co, &accepted); err != nil {
		fmt.Println("IssueCommand failed:", err)
		return
	}
	if accepted {
		fmt.Println("command latched")
	} else {
		fmt.Println("command dropped: the engine is busy")
	}
}

func doCapture(client *rpc.Client, args []string) {
	if len(args) != 1 || (args[0] != "start" && args[0] != "stop") {
		fmt.Println("capture wants \"start\" or \"stop\"")
		return
	}
	method := "RxControl.CaptureStart"
	if args[0] == "stop" {
		method = "RxControl.CaptureStop"
	}
	dummy := ""
	var base string
	if err := client.Call(method, &dummy, &base); err != nil {
		fmt.Println("capture", args[0], "failed:", err)
		return
	}
	fmt.Println("capture files at", base)
}

// execute runs one line of console input. It reports whether the
// console should exit.
func execute(client *rpc.Client, input string) bool {
	words := strings.Fields(input)
	if len(words) == 0 {
		return false
	}
	dummy := ""
	var okay bool
	switch words[0] {
	case "quit", "exit":
		return true

	case "help":
		fmt.Println(helpText)

	case "ping":
		var banner string
		if err := client.Call("RxControl.Ping", &dummy, &banner); err != nil {
			fmt.Println("ping failed:", err)
			break
		}
		fmt.Println(banner)

	case "status":
		var st usrp.DAQStatus
		if err := client.Call("RxControl.Status", &dummy, &st); err != nil {
			fmt.Println("status failed:", err)
			break
		}
		printStatus(st)

	case "peek":
		if len(words) != 2 {
			fmt.Println("peek wants a register name or address")
			break
		}
		addr, err := parseRegister(words[1])
		if err != nil {
			fmt.Println(err)
			break
		}
		ro := usrp.RegisterObject{Addr: addr}
		var peeked usrp.RegisterObject
		if err := client.Call("RxControl.Peek", &ro, &peeked); err != nil {
			fmt.Println("peek failed:", err)
			break
		}
		fmt.Printf("[0x%02x] = 0x%08x (%d)\n", peeked.Addr, peeked.Value, peeked.Value)

	case "poke":
		if len(words) != 3 {
			fmt.Println("poke wants a register and a value")
			break
		}
		addr, err := parseRegister(words[1])
		if err != nil {
			fmt.Println(err)
			break
		}
		value, err := parseValue(words[2])
		if err != nil {
			fmt.Println(err)
			break
		}
		ro := usrp.RegisterObject{Addr: addr, Value: value}
		if err := client.Call("RxControl.Poke", &ro, &okay); err != nil {
			fmt.Println("poke failed:", err)
			break
		}
		fmt.Printf("[0x%02x] <- 0x%08x\n", addr, value)

	case "start":
		doStart(client, words[1:])

	case "stop":
		if err := client.Call("RxControl.StopAcquisition", &dummy, &okay); err != nil {
			fmt.Println("stop failed:", err)
			break
		}
		if okay {
			fmt.Println("stop latched")
		} else {
			fmt.Println("stop dropped")
		}

	case "capture":
		doCapture(client, words[1:])

	case "route":
		if len(words) != 5 {
			fmt.Println("route wants <port> <remport> <epid> <addr>")
			break
		}
		var fields [4]uint32
		ok := true
		for i, w := range words[1:] {
			v, err := parseValue(w)
			if err != nil {
				fmt.Println(err)
				ok = false
				break
			}
			fields[i] = v
		}
		if !ok {
			break
		}
		route := usrp.ErrorRouteConfig{Port: fields[0], RemPort: fields[1], RemEPID: fields[2], Addr: fields[3]}
		if err := client.Call("RxControl.ConfigureErrorRoute", &route, &okay); err != nil {
			fmt.Println("route failed:", err)
			break
		}
		fmt.Println("error route configured")

	case "reset":
		if err := client.Call("RxControl.ResetEngine", &dummy, &okay); err != nil {
			fmt.Println("reset failed:", err)
			break
		}
		fmt.Println("engine reset")

	case "sendall":
		if err := client.Call("RxControl.SendAllStatus", &dummy, &okay); err != nil {
			fmt.Println("sendall failed:", err)
			break
		}

	default:
		fmt.Printf("unknown command %q; try \"help\"\n", words[0])
	}
	return false
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".usrprx")
	if err := os.MkdirAll(dir, 0775); err != nil {
		return ""
	}
	return filepath.Join(dir, "usrpctl_history")
}

func main() {
	host := flag.String("host", "localhost", "usrprxd host")
	port := flag.Int("port", usrp.Ports.RPC, "usrprxd RPC port")
	flag.Parse()

	serverAddress := fmt.Sprintf("%s:%d", *host, *port)
	client, err := jsonrpc.Dial("tcp", serverAddress)
	if err != nil {
		fmt.Printf("could not reach usrprxd at %s: %v\n", serverAddress, err)
		os.Exit(1)
	}
	defer client.Close()

	dummy := ""
	var banner string
	if err := client.Call("RxControl.Ping", &dummy, &banner); err != nil {
		fmt.Printf("usrprxd at %s does not answer: %v\n", serverAddress, err)
		os.Exit(1)
	}
	fmt.Printf("connected to %s at %s; try \"help\"\n", banner, serverAddress)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (c []string) {
		for _, name := range commandNames {
			if strings.HasPrefix(name, strings.ToLower(prefix)) {
				c = append(c, name)
			}
		}
		return
	})

	history := historyPath()
	if history != "" {
		if f, err := os.Open(history); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	for {
		input, err := line.Prompt("usrpctl> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			fmt.Println()
			break
		}
		if err != nil {
			fmt.Println("read error:", err)
			break
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)
		if execute(client, input) {
			break
		}
	}

	if history != "" {
		if f, err := os.Create(history); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
}
