package bus

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// RoomSubjectPrefix prefixes the profile id of a realtime room.
const RoomSubjectPrefix = "zuum.rooms."

var nc *nats.Conn

// InitBus connects to NATS_URL. It returns false when NATS is not configured
// or unreachable, in which case realtime delivery stays in-process.
func InitBus() bool {
	url := os.Getenv("NATS_URL")
	if url == "" {
		log.Println("NATS_URL not set, realtime events are delivered in-process")
		return false
	}

	if nc != nil && nc.IsConnected() {
		return true
	}

	var err error
	nc, err = nats.Connect(url,
		nats.Name("zuum"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Printf("Warning: Failed to connect to NATS: %v. Realtime events are delivered in-process.", err)
		nc = nil
		return false
	}

	log.Printf("Connected to NATS at %s", nc.ConnectedUrl())
	return true
}

// CloseBus drains pending messages and closes the connection.
func CloseBus() {
	if nc != nil && nc.IsConnected() {
		if err := nc.Drain(); err != nil {
			log.Printf("CloseBus: drain failed: %v", err)
		}
		log.Println("NATS connection closed.")
	}
}

// RoomSubject is the subject carrying events for one realtime room.
func RoomSubject(room string) string {
	return RoomSubjectPrefix + room
}

// RoomFromSubject is the inverse of RoomSubject.
func RoomFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, RoomSubjectPrefix) {
		return "", false
	}
	room := strings.TrimPrefix(subject, RoomSubjectPrefix)
	return room, room != ""
}

// RoomPublisher publishes realtime room payloads on NATS.
type RoomPublisher struct{}

func (RoomPublisher) Publish(room string, payload []byte) error {
	if nc == nil || !nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	if err := nc.Publish(RoomSubject(room), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", RoomSubject(room), err)
	}
	return nil
}

// SubscribeRooms calls deliver for every room payload published by any instance.
func SubscribeRooms(deliver func(room string, payload []byte)) error {
	if nc == nil {
		return nats.ErrConnectionClosed
	}
	_, err := nc.Subscribe(RoomSubjectPrefix+"*", func(msg *nats.Msg) {
		room, ok := RoomFromSubject(msg.Subject)
		if !ok {
			return
		}
		deliver(room, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s*: %w", RoomSubjectPrefix, err)
	}
	return nil
}
