package framering

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// frameHeader is the JSON first frame of each published 2-frame message.
type frameHeader struct {
	Width         int
	Height        int
	BytesPerPixel int
	Tags          map[string]string
}

// RunPublisher drains the ring and publishes each frame on a ZMQ PUB socket
// as (JSON header, raw pixels). It polls the ring on a short ticker, which
// keeps the ring free of consumer-side synchronization. Terminates when
// abort is closed.
func RunPublisher(ring *Ring, portframes int, abort <-chan struct{}, problems *log.Logger) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		problems.Printf("could not create frame PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portframes)); err != nil {
		problems.Printf("could not bind frame PUB socket on port %d: %v", portframes, err)
		return
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			for {
				frame, ok := ring.Dequeue()
				if !ok {
					break
				}
				if err := publishFrame(pubSocket, frame); err != nil {
					problems.Printf("could not publish frame: %v", err)
				}
			}
		}
	}
}

func publishFrame(pubSocket *zmq.Socket, frame Frame) error {
	hdr := frameHeader{
		Width:         frame.Width,
		Height:        frame.Height,
		BytesPerPixel: frame.BytesPerPixel,
		Tags:          make(map[string]string, len(frame.Tags)),
	}
	for _, tag := range frame.Tags {
		hdr.Tags[tag.Key] = tag.Value
	}
	header, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	_, err = pubSocket.SendMessage(header, frame.Pix)
	return err
}
