package usrp

// Contain the client updater, which publishes JSON-encoded messages
// giving the latest receiver state.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// Tags for the two-frame status messages. Clients subscribe by tag.
const (
	TagStatus     = "STATUS"
	TagCommand    = "COMMAND"
	TagRxError    = "RXERROR"
	TagCapture    = "CAPTURE"
	TagErrorRoute = "ERRORROUTE"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag     string
	message []byte
}

func newClientUpdate(tag string, payload any) ClientUpdate {
	blob, err := json.Marshal(payload)
	if err != nil {
		ProblemLogger.Printf("could not encode %s update: %v", tag, err)
		blob = []byte("{}")
	}
	return ClientUpdate{tag: tag, message: blob}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
// It terminates when the abort channel closes.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create the status socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind the status socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			UpdateLogger.Printf("%s %s", update.tag, update.message)
			if _, err := pubSocket.SendMessage(update.tag, update.message); err != nil {
				ProblemLogger.Printf("could not publish a %s update: %v", update.tag, err)
			}
		}
	}
}
