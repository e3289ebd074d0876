package scopehub

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest scopehub state.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries a message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientMessageChan is the channel upon which all update messages are sent
// for publication.
var clientMessageChan chan ClientUpdate

func init() {
	clientMessageChan = make(chan ClientUpdate, 10)
}

// PublishUpdate queues a tagged state object for publication to clients.
func PublishUpdate(tag string, state interface{}) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
		ProblemLogger.Printf("client update %q dropped: status publisher is not draining", tag)
	}
}

// RunClientUpdater forwards any message from the client update channel to a
// ZMQ PUB socket, as a 2-frame message of (tag, JSON state).
func RunClientUpdater(portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		ProblemLogger.Printf("could not bind status PUB socket on port %d: %v", portstatus, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-clientMessageChan:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not encode %q update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %q update: %v", update.tag, err)
				continue
			}
			UpdateLogger.Printf("%s update: %s %v", time.Now().Format("15:04:05"), update.tag, string(message))
		}
	}
}
