package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// P2PBus is a Bus over libp2p gossipsub: fully decentralized signaling with
// no relay server, peers discovered over mDNS on the LAN plus any
// configured bootstrap addresses. Topics map 1:1 onto gossipsub topics.
type P2PBus struct {
	sender string
	host   host.Host
	ps     *pubsub.PubSub
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	refs   map[string]int
}

// P2POptions configures the libp2p host backing the bus.
type P2POptions struct {
	// ListenPort is the TCP port to listen on; 0 picks a random port.
	ListenPort int
	// KeyFile holds the persistent Ed25519 identity; created on first run.
	KeyFile string
	// MdnsTag scopes LAN discovery to peers of the same product.
	MdnsTag string
	// BootstrapPeers are multiaddrs (".../p2p/<id>") dialed at startup.
	BootstrapPeers []string
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	_ = n.h.Connect(context.Background(), pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}

// NewP2PBus starts a libp2p host with gossipsub and mDNS discovery.
func NewP2PBus(sender string, opt P2POptions) (*P2PBus, error) {
	priv, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: libp2p host: %v", ErrRelayUnavailable, err)
	}

	if opt.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opt.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("start mdns: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("%w: gossipsub: %v", ErrRelayUnavailable, err)
	}

	for _, addr := range opt.BootstrapPeers {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			log.Printf("SIGNAL: bad bootstrap addr %q: %v", addr, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Printf("SIGNAL: bootstrap addr %q has no peer id: %v", addr, err)
			continue
		}
		if err := h.Connect(ctx, *pi); err != nil {
			log.Printf("SIGNAL: bootstrap dial %s failed: %v", pi.ID, err)
		}
	}

	log.Printf("SIGNAL: p2p bus up, peer id %s", h.ID())
	return &P2PBus{
		sender: sender,
		host:   h,
		ps:     ps,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		refs:   make(map[string]int),
	}, nil
}

// joinLocked returns the joined topic handle, creating it on first use.
// Gossipsub allows a single Join per topic per host.
func (b *P2PBus) joinLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := b.topics[topic]; ok {
		return t, nil
	}
	t, err := b.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: join %s: %v", ErrRelayUnavailable, topic, err)
	}
	b.topics[topic] = t
	return t, nil
}

// releaseLocked drops one reference on topic and closes the handle when the
// last subscriber is gone. Publishing re-joins on demand.
func (b *P2PBus) releaseLocked(topic string) {
	b.refs[topic]--
	if b.refs[topic] <= 0 {
		delete(b.refs, topic)
		if t, ok := b.topics[topic]; ok {
			delete(b.topics, topic)
			_ = t.Close()
		}
	}
}

func (b *P2PBus) Publish(topic string, msg Message) error {
	if msg.From == "" {
		msg.From = b.sender
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", msg.Type, err)
	}

	b.mu.Lock()
	t, err := b.joinLocked(topic)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if err := t.Publish(context.Background(), data); err != nil {
		return fmt.Errorf("%w: publish %s to %s: %v", ErrRelayUnavailable, msg.Type, topic, err)
	}
	return nil
}

func (b *P2PBus) Subscribe(topic string, fn Handler) (func(), error) {
	b.mu.Lock()
	t, err := b.joinLocked(topic)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrRelayUnavailable, topic, err)
	}
	b.refs[topic]++
	b.mu.Unlock()

	ctx, stop := context.WithCancel(context.Background())
	self := b.host.ID()
	go func() {
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == self {
				continue
			}
			var msg Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				log.Printf("SIGNAL: bad message on %s: %v", topic, err)
				continue
			}
			if msg.From == b.sender {
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			sub.Cancel()
			b.mu.Lock()
			b.releaseLocked(topic)
			b.mu.Unlock()
		})
	}
	return cancel, nil
}

func (b *P2PBus) Close() error {
	b.cancel()
	b.mu.Lock()
	for topic, t := range b.topics {
		delete(b.topics, topic)
		_ = t.Close()
	}
	b.refs = make(map[string]int)
	b.mu.Unlock()
	return b.host.Close()
}
