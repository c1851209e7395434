package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const invalidMessageError = "Invalid message format"

type clientFrame struct {
	Type string `json:"type"`
}

// handleWSConn runs one stream subscriber connection: subscribe on open,
// acknowledge with a connected frame, answer pings, and unsubscribe when the
// connection ends. A malformed inbound frame earns an error frame but keeps
// the connection open; only disconnection or idle expiry closes it.
func handleWSConn(conn *websocket.Conn, h *hub, idleTimeout time.Duration) {
	defer func() {
		_ = conn.Close()
	}()

	connID := uuid.NewString()
	subscriber := newPeer(json.NewEncoder(conn))
	h.subscribe(subscriber)
	log.Printf("ingest: stream connection %s subscribed (%d active)", connID, h.subscriberCount())
	defer func() {
		h.unsubscribe(subscriber)
		log.Printf("ingest: stream connection %s unsubscribed (%d active)", connID, h.subscriberCount())
	}()

	if err := subscriber.writeFrame(streamFrame{Type: "connected"}); err != nil {
		return
	}

	for {
		if idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}

		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Printf("ingest: reaping idle stream connection %s", connID)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal([]byte(raw), &frame); err != nil {
			_ = subscriber.writeFrame(streamFrame{Error: invalidMessageError})
			continue
		}

		switch frame.Type {
		case "ping":
			_ = subscriber.writeFrame(streamFrame{Type: "pong"})
		default:
			_ = subscriber.writeFrame(streamFrame{Error: invalidMessageError})
		}
	}
}
