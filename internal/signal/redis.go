package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDialTimeout = 5 * time.Second

// RedisBus is a Bus backed by Redis pub/sub. One PubSub connection is held
// per subscribed topic; Subscribe blocks until Redis confirms the
// subscription, which is what lets a caller publish its offer immediately
// after subscribing without racing the peer.
type RedisBus struct {
	sender string
	client *redis.Client

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// RedisOptions configures the relay connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(sender string, opt RedisOptions) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrRelayUnavailable, opt.Addr, err)
	}
	log.Printf("SIGNAL: connected to redis relay at %s", opt.Addr)

	return &RedisBus{
		sender: sender,
		client: client,
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

func (b *RedisBus) Publish(topic string, msg Message) error {
	if msg.From == "" {
		msg.From = b.sender
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", msg.Type, err)
	}
	if err := b.client.Publish(context.Background(), topic, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s to %s: %v", ErrRelayUnavailable, msg.Type, topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, fn Handler) (func(), error) {
	ps := b.client.Subscribe(context.Background(), topic)

	// Receive blocks until the SUBSCRIBE confirmation arrives; after this
	// point published messages are guaranteed to reach the channel.
	ctx, cancelWait := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancelWait()
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrRelayUnavailable, topic, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	ch := ps.Channel()
	self := b.sender
	go func() {
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("SIGNAL: bad message on %s: %v", topic, err)
				continue
			}
			if msg.From == self {
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}
	return cancel, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()
	return b.client.Close()
}
