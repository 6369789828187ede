// Package relay is the websocket signaling relay: a plain topic fan-out
// server for deployments where peers cannot reach each other's gossip
// mesh. It never inspects signaling payloads beyond the framing; calls
// stay end-to-end between the two agents.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chimelab/chime/internal/signal"
)

const (
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second

	// maxFrameBytes bounds one client frame; SDP offers run a few KB.
	maxFrameBytes = 64 * 1024
)

// frame mirrors the client framing in the signal package.
type frame struct {
	Action  string          `json:"action"` // subscribe | subscribed | unsubscribe | publish
	Topic   string          `json:"topic"`
	Message *signal.Message `json:"message,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]struct{}
}

func (c *client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

type Server struct {
	addr string
	srv  *http.Server

	mu      sync.Mutex
	topics  map[string]map[*client]struct{}
	clients map[*client]struct{}

	listenAddr string // actual address after Listen, for ":0"
}

func New(addr string) *Server {
	return &Server{
		addr:    addr,
		topics:  make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay carries no browser credentials; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		s.handleSignal(ctx, w, r)
	})

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listenAddr = ln.Addr().String()
	log.Printf("RELAY: listening on %s", s.listenAddr)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()
	return nil
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string {
	addr := s.listenAddr
	if addr == "" {
		addr = s.addr
	}
	return fmt.Sprintf("ws://%s/signal", addr)
}

func (s *Server) handleSignal(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &client{conn: conn, topics: make(map[string]struct{})}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	log.Printf("RELAY: client connected from %s (%d total)", r.RemoteAddr, n)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	done := make(chan struct{})
	go s.pingLoop(ctx, c, done)

	s.readLoop(c)
	close(done)
	s.dropClient(c)
	log.Printf("RELAY: client from %s disconnected", r.RemoteAddr)
}

func (s *Server) pingLoop(ctx context.Context, c *client, done chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("RELAY: bad frame: %v", err)
			continue
		}
		if f.Topic == "" {
			continue
		}

		switch f.Action {
		case "subscribe":
			s.subscribe(c, f.Topic)
			if err := c.write(frame{Action: "subscribed", Topic: f.Topic}); err != nil {
				return
			}
		case "unsubscribe":
			s.unsubscribe(c, f.Topic)
		case "publish":
			if f.Message == nil {
				continue
			}
			s.fanOut(c, f)
		}
	}
}

func (s *Server) subscribe(c *client, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[*client]struct{})
	}
	s.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (s *Server) unsubscribe(c *client, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFromTopicLocked(c, topic)
}

func (s *Server) removeFromTopicLocked(c *client, topic string) {
	if subs := s.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// fanOut forwards a publish to every other subscriber of the topic. The
// sender's own connection is skipped; its bus filters by sender tag anyway,
// but not echoing saves the bandwidth.
func (s *Server) fanOut(from *client, f frame) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.topics[f.Topic]))
	for c := range s.topics[f.Topic] {
		if c != from {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	out := frame{Action: "publish", Topic: f.Topic, Message: f.Message}
	for _, c := range targets {
		if err := c.write(out); err != nil {
			log.Printf("RELAY: forward on %s: %v", f.Topic, err)
		}
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	for topic := range c.topics {
		s.removeFromTopicLocked(c, topic)
	}
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}
