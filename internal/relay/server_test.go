package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chimelab/chime/internal/signal"
)

// inbox collects handler deliveries; handlers run on the bus read goroutine.
type inbox struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func (in *inbox) add(m signal.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) at(i int) signal.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[i]
}

func startRelay(t *testing.T) *Server {
	t.Helper()
	srv := New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	return srv
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRelayDeliversAcrossClients(t *testing.T) {
	srv := startRelay(t)

	alice, err := signal.NewWSBus("alice", srv.URL())
	if err != nil {
		t.Fatalf("dial as alice: %v", err)
	}
	defer alice.Close()
	bob, err := signal.NewWSBus("bob", srv.URL())
	if err != nil {
		t.Fatalf("dial as bob: %v", err)
	}
	defer bob.Close()

	topic := signal.CallTopic("c1")
	var got inbox
	cancel, err := bob.Subscribe(topic, got.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	msg := signal.Message{Type: signal.TypeOffer, CallID: "c1", SDP: "v=0 offer"}
	if err := alice.Publish(topic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return got.len() == 1 }, "offer never reached bob")
	if m := got.at(0); m.SDP != "v=0 offer" || m.From != "alice" {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestRelayDoesNotEchoToSender(t *testing.T) {
	srv := startRelay(t)

	alice, err := signal.NewWSBus("alice", srv.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer alice.Close()

	topic := signal.CallTopic("c2")
	var seen inbox
	cancel, err := alice.Subscribe(topic, seen.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := alice.Publish(topic, signal.Message{Type: signal.TypeCallEnded, CallID: "c2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if seen.len() != 0 {
		t.Fatalf("sender received its own publish %d times", seen.len())
	}
}

func TestRelayScopesByTopic(t *testing.T) {
	srv := startRelay(t)

	alice, err := signal.NewWSBus("alice", srv.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer alice.Close()
	bob, err := signal.NewWSBus("bob", srv.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bob.Close()

	var onA, onB inbox
	cancelA, err := bob.Subscribe(signal.CallTopic("a"), onA.add)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer cancelA()
	cancelB, err := bob.Subscribe(signal.CallTopic("b"), onB.add)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer cancelB()

	if err := alice.Publish(signal.CallTopic("a"), signal.Message{Type: signal.TypeAnswer, CallID: "a", SDP: "v=0"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return onA.len() == 1 }, "message never arrived on topic a")
	if onB.len() != 0 {
		t.Fatalf("topic b received %d stray messages", onB.len())
	}
}

func TestRelayUnsubscribeStopsDelivery(t *testing.T) {
	srv := startRelay(t)

	alice, err := signal.NewWSBus("alice", srv.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer alice.Close()
	bob, err := signal.NewWSBus("bob", srv.URL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bob.Close()

	topic := signal.UserTopic("bob")
	var count inbox
	cancel, err := bob.Subscribe(topic, count.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := alice.Publish(topic, signal.Message{Type: signal.TypeInvite, CallID: "c3", CallerID: "alice", RecipientID: "bob"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return count.len() == 1 }, "invite never delivered")

	cancel()
	time.Sleep(50 * time.Millisecond)

	if err := alice.Publish(topic, signal.Message{Type: signal.TypeInvite, CallID: "c4", CallerID: "alice", RecipientID: "bob"}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if count.len() != 1 {
		t.Fatalf("delivery continued after unsubscribe: %d", count.len())
	}
}
