package signal

import (
	"log"
	"sync"
)

// memoryCore is the shared state behind one in-process relay. All MemoryBus
// handles forked from the same root point at one core.
type memoryCore struct {
	mu     sync.Mutex
	topics map[string][]*memorySub
	closed bool
}

type memorySub struct {
	fn   Handler
	ch   chan Message
	done chan struct{}
}

// MemoryBus is an in-process Bus. Both halves of a call running in the same
// process (tests, loopback calls, the demo agent) share one core. Delivery
// is per-subscriber in publish order on a dedicated goroutine, so same-type
// ordering holds and a slow handler cannot stall publishers.
type MemoryBus struct {
	sender string
	core   *memoryCore
}

// NewMemoryBus creates a MemoryBus tagged with the local sender ID.
// Messages published through this handle are not delivered back to its own
// subscriptions.
func NewMemoryBus(sender string) *MemoryBus {
	return &MemoryBus{
		sender: sender,
		core:   &memoryCore{topics: make(map[string][]*memorySub)},
	}
}

// Fork returns a second handle on the same in-process relay with its own
// sender tag. Used to run caller and callee against one relay.
func (b *MemoryBus) Fork(sender string) *MemoryBus {
	return &MemoryBus{sender: sender, core: b.core}
}

func (b *MemoryBus) Publish(topic string, msg Message) error {
	if msg.From == "" {
		msg.From = b.sender
	}
	c := b.core
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrRelayUnavailable
	}
	subs := make([]*memorySub, len(c.topics[topic]))
	copy(subs, c.topics[topic])
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, fn Handler) (func(), error) {
	sub := &memorySub{
		fn:   fn,
		ch:   make(chan Message, 64),
		done: make(chan struct{}),
	}

	c := b.core
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrRelayUnavailable
	}
	c.topics[topic] = append(c.topics[topic], sub)
	c.mu.Unlock()

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
			c.mu.Lock()
			list := c.topics[topic]
			for i, s := range list {
				if s == sub {
					c.topics[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(c.topics[topic]) == 0 {
				delete(c.topics, topic)
			}
			c.mu.Unlock()
			close(sub.done)
		})
	}
	return cancel, nil
}

func (b *MemoryBus) Close() error {
	c := b.core
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	n := 0
	for topic, subs := range c.topics {
		for _, s := range subs {
			select {
			case <-s.done:
			default:
				close(s.done)
			}
			n++
		}
		delete(c.topics, topic)
	}
	c.mu.Unlock()
	if n > 0 {
		log.Printf("SIGNAL: memory bus closed, dropped %d subscriptions", n)
	}
	return nil
}
