package signal

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsDialTimeout  = 5 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsAckTimeout   = 5 * time.Second
)

// wsFrame is the client↔relay framing for the websocket bus. The relay is a
// plain fan-out server: subscribe/unsubscribe manage topic membership,
// publish forwards the embedded Message to every other subscriber, and the
// relay confirms each subscribe with action "subscribed".
type wsFrame struct {
	Action  string   `json:"action"` // subscribe | subscribed | unsubscribe | publish
	Topic   string   `json:"topic"`
	Message *Message `json:"message,omitempty"`
}

// WSBus is a Bus over a single websocket connection to a relay server.
// Subscribe blocks until the relay acknowledges the topic, giving the same
// subscribe-before-publish guarantee as the Redis backend.
type WSBus struct {
	sender string
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string][]*wsSub
	acks   map[string]chan struct{}
	closed bool
}

type wsSub struct {
	fn Handler
	ch chan Message
	// done stops the delivery goroutine.
	done chan struct{}
}

// NewWSBus dials the relay at url (ws:// or wss://) and starts the read loop.
func NewWSBus(sender, url string) (*WSBus, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRelayUnavailable, url, err)
	}
	log.Printf("SIGNAL: connected to ws relay at %s", url)

	b := &WSBus{
		sender: sender,
		conn:   conn,
		subs:   make(map[string][]*wsSub),
		acks:   make(map[string]chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *WSBus) write(f wsFrame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := b.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: write %s frame: %v", ErrRelayUnavailable, f.Action, err)
	}
	return nil
}

func (b *WSBus) readLoop() {
	for {
		var f wsFrame
		if err := b.conn.ReadJSON(&f); err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				log.Printf("SIGNAL: ws relay connection lost: %v", err)
			}
			return
		}

		switch f.Action {
		case "subscribed":
			b.mu.Lock()
			if ack, ok := b.acks[f.Topic]; ok {
				close(ack)
				delete(b.acks, f.Topic)
			}
			b.mu.Unlock()

		case "publish":
			if f.Message == nil {
				continue
			}
			b.mu.Lock()
			subs := make([]*wsSub, len(b.subs[f.Topic]))
			copy(subs, b.subs[f.Topic])
			b.mu.Unlock()
			for _, s := range subs {
				select {
				case s.ch <- *f.Message:
				case <-s.done:
				}
			}
		}
	}
}

func (b *WSBus) Publish(topic string, msg Message) error {
	if msg.From == "" {
		msg.From = b.sender
	}
	return b.write(wsFrame{Action: "publish", Topic: topic, Message: &msg})
}

func (b *WSBus) Subscribe(topic string, fn Handler) (func(), error) {
	sub := &wsSub{
		fn:   fn,
		ch:   make(chan Message, 64),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrRelayUnavailable
	}
	first := len(b.subs[topic]) == 0
	b.subs[topic] = append(b.subs[topic], sub)

	// ack stays non-nil until the relay confirms the topic; later
	// subscribers arriving in that window wait on the same channel so
	// every Subscribe returns with the membership live.
	ack := b.acks[topic]
	if first {
		ack = make(chan struct{})
		b.acks[topic] = ack
	}
	b.mu.Unlock()

	if first {
		if err := b.write(wsFrame{Action: "subscribe", Topic: topic}); err != nil {
			b.dropSub(topic, sub)
			return nil, err
		}
	}
	if ack != nil {
		select {
		case <-ack:
		case <-time.After(wsAckTimeout):
			b.dropSub(topic, sub)
			return nil, fmt.Errorf("%w: no subscribe ack for %s", ErrRelayUnavailable, topic)
		}
	}

	self := b.sender
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.ch:
				if msg.From == self {
					continue
				}
				sub.fn(msg)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			last := b.dropSub(topic, sub)
			if last {
				_ = b.write(wsFrame{Action: "unsubscribe", Topic: topic})
			}
		})
	}
	return cancel, nil
}

// dropSub removes sub from topic and reports whether it was the last one.
func (b *WSBus) dropSub(topic string, sub *wsSub) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s == sub {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	select {
	case <-sub.done:
	default:
		close(sub.done)
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
		delete(b.acks, topic)
		return true
	}
	return false
}

func (b *WSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			select {
			case <-s.done:
			default:
				close(s.done)
			}
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	b.writeMu.Unlock()
	return b.conn.Close()
}
