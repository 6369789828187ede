package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// slowAckRelay is a minimal relay stand-in whose subscribe acks are held
// back until release is closed.
func slowAckRelay(t *testing.T, release <-chan struct{}) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var writeMu sync.Mutex
		for {
			var f wsFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Action != "subscribe" {
				continue
			}
			go func(topic string) {
				<-release
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = conn.WriteJSON(wsFrame{Action: "subscribed", Topic: topic})
			}(f.Topic)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeWaitsForOutstandingAck(t *testing.T) {
	release := make(chan struct{})
	srv := slowAckRelay(t, release)
	defer srv.Close()

	b, err := NewWSBus("alice", wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()

	topic := CallTopic("c1")
	firstDone := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(topic, func(Message) {})
		firstDone <- err
	}()
	// Give the first subscribe time to put its ack in flight.
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(topic, func(Message) {})
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second Subscribe returned before the relay acked the topic")
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
	for _, done := range []chan error{firstDone, secondDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Subscribe never returned after the ack")
		}
	}
}

func TestSubscribeReturnsImmediatelyOnceAcked(t *testing.T) {
	release := make(chan struct{})
	close(release)
	srv := slowAckRelay(t, release)
	defer srv.Close()

	b, err := NewWSBus("alice", wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()

	topic := CallTopic("c2")
	if _, err := b.Subscribe(topic, func(Message) {}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	start := time.Now()
	if _, err := b.Subscribe(topic, func(Message) {}); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("second subscribe on an acked topic blocked for %s", waited)
	}
}
