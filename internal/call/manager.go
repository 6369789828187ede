package call

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chimelab/chime/internal/signal"
)

const (
	// defaultRingTimeout is how long an incoming call rings before it is
	// recorded as missed.
	defaultRingTimeout = 30 * time.Second
	// defaultAnswerTimeout is how long the caller waits for an answer.
	defaultAnswerTimeout = 45 * time.Second
)

// ErrClosed is returned for operations on a closed Manager.
var ErrClosed = errors.New("call: manager closed")

// Config wires a Manager into the surrounding product.
type Config struct {
	// SelfID is the local user; invites arrive on its user topic.
	SelfID    string
	Bus       signal.Bus
	Journal   Journal
	Directory Directory

	// PeerFactory defaults to NewPeerConnectionManager with Media.
	PeerFactory PeerFactory
	Media       MediaConfig

	RingTimeout   time.Duration
	AnswerTimeout time.Duration
}

// IncomingCall describes a ringing invite, ready for an accept/decline
// surface.
type IncomingCall struct {
	CallID      string
	CallerID    string
	CallerLabel string
	Kind        MediaKind
}

// Manager is the process-wide call front door: it listens for invites on
// the local user topic, rings them, and owns the single active Session.
// The local media devices belong to at most one session at a time, so a
// second outgoing or accepted call while one is live fails with
// ErrCallInProgress.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	active    *Session
	starting  bool
	pending   map[string]*pendingCall
	unsubUser func()
	closed    bool

	handlerMu  sync.RWMutex
	onIncoming []func(IncomingCall)
	onEvent    []func(Event)
}

// NewManager validates cfg, applies defaults, and starts listening for
// invites on the local user topic.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("call: SelfID is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("call: Bus is required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("call: Journal is required")
	}
	if cfg.PeerFactory == nil {
		media := cfg.Media
		cfg.PeerFactory = func(callID string, kind MediaKind) (Peer, error) {
			return NewPeerConnectionManager(callID, kind, media)
		}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = defaultAnswerTimeout
	}

	m := &Manager{
		cfg:     cfg,
		pending: map[string]*pendingCall{},
	}
	unsub, err := cfg.Bus.Subscribe(signal.UserTopic(cfg.SelfID), m.handleInvite)
	if err != nil {
		return nil, fmt.Errorf("subscribe user topic: %w", err)
	}
	m.unsubUser = unsub
	log.Printf("CALL: listening for invites as %s", cfg.SelfID)
	return m, nil
}

// OnIncoming registers a handler for ringing invites. Handlers run on the
// bus delivery goroutine and must not block.
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.handlerMu.Lock()
	m.onIncoming = append(m.onIncoming, fn)
	m.handlerMu.Unlock()
}

// OnEvent registers a handler for session lifecycle events.
func (m *Manager) OnEvent(fn func(Event)) {
	m.handlerMu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.handlerMu.Unlock()
}

func (m *Manager) emitEvent(e Event) {
	m.handlerMu.RLock()
	handlers := make([]func(Event), len(m.onEvent))
	copy(handlers, m.onEvent)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (m *Manager) label(userID string) string {
	if m.cfg.Directory == nil {
		return userID
	}
	if l := m.cfg.Directory.Label(userID); l != "" {
		return l
	}
	return userID
}

func (m *Manager) deps() sessionDeps {
	return sessionDeps{
		bus:     m.cfg.Bus,
		journal: m.cfg.Journal,
		factory: m.cfg.PeerFactory,
		emit:    m.emitEvent,
		onDone:  m.sessionDone,
	}
}

// sessionDone drops the manager's reference once a session is terminal.
func (m *Manager) sessionDone(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// StartOutgoingCall rings recipientID. It returns the call ID once the
// invite and offer are out and the attempt is ringing. Media capture
// failures surface here, before anything reaches the relay.
func (m *Manager) StartOutgoingCall(recipientID string, kind MediaKind) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.active != nil || m.starting {
		m.mu.Unlock()
		return "", ErrCallInProgress
	}
	m.starting = true
	m.mu.Unlock()

	callID := uuid.NewString()
	log.Printf("CALL [%s]: calling %s (%s)", callID, recipientID, kind)

	announce := func(offerSDP string) error {
		return m.cfg.Bus.Publish(signal.UserTopic(recipientID), signal.Message{
			Type:        signal.TypeInvite,
			CallID:      callID,
			SDP:         offerSDP,
			CallerID:    m.cfg.SelfID,
			RecipientID: recipientID,
			MediaKind:   string(kind),
		})
	}
	s, err := startOutgoingSession(callID, m.cfg.SelfID, recipientID, kind, m.cfg.AnswerTimeout, announce, m.deps())

	m.mu.Lock()
	m.starting = false
	if err == nil {
		m.active = s
	}
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	// The answer timer may already have fired for pathologically short
	// timeouts; don't hold a reference to a dead session.
	if s.State().Terminal() {
		m.sessionDone(s)
	}
	return callID, nil
}

// AcceptIncomingCall answers a ringing invite and becomes the callee half
// of the call.
func (m *Manager) AcceptIncomingCall(callID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	p, ok := m.pending[callID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if m.active != nil || m.starting {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	delete(m.pending, callID)
	m.starting = true
	m.mu.Unlock()

	p.stopTimer()
	m.cfg.Journal.RingAnswered(p.notifID)

	s, err := startIncomingSession(callID, m.cfg.SelfID, p.callerID, p.kind, signalFeed{cancel: p.cancel}, m.deps())

	m.mu.Lock()
	m.starting = false
	if err == nil {
		m.active = s
	}
	m.mu.Unlock()
	if err != nil {
		p.cancel()
		m.emitEvent(CallError{CallID: callID, Kind: Classify(err)})
		return err
	}

	// Replays the buffered offer; the answer is published before this
	// returns unless the relay delivered out of order.
	p.start(s.handleSignal)
	if s.State().Terminal() {
		m.sessionDone(s)
	}
	return nil
}

// DeclineIncomingCall rejects a ringing invite. The attempt is recorded
// as missed and the caller is told to stop ringing.
func (m *Manager) DeclineIncomingCall(callID string) error {
	m.mu.Lock()
	p, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}
	m.dismissPending(p, true)
	return nil
}

// EndCall hangs up the active session, or declines if callID is still
// ringing.
func (m *Manager) EndCall(callID string) error {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil && s.CallID == callID {
		s.End()
		return nil
	}
	return m.DeclineIncomingCall(callID)
}

// ToggleMute flips the microphone of the active session.
func (m *Manager) ToggleMute(callID string) (bool, error) {
	s, err := m.activeSession(callID)
	if err != nil {
		return false, err
	}
	return s.ToggleMute(), nil
}

// ToggleVideo flips the camera of the active session.
func (m *Manager) ToggleVideo(callID string) (bool, error) {
	s, err := m.activeSession(callID)
	if err != nil {
		return false, err
	}
	return s.ToggleVideo(), nil
}

// ActiveCall returns the ID of the live session, or "".
func (m *Manager) ActiveCall() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.CallID
}

func (m *Manager) activeSession(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID != callID {
		return nil, ErrUnknownCall
	}
	return m.active, nil
}

// handleInvite is the user-topic subscriber: it turns an invite into a
// ringing pendingCall, or declines it as busy.
func (m *Manager) handleInvite(msg signal.Message) {
	if msg.Type != signal.TypeInvite || msg.CallID == "" || msg.CallerID == "" {
		return
	}
	if msg.RecipientID != "" && msg.RecipientID != m.cfg.SelfID {
		return
	}
	kind := MediaKind(msg.MediaKind)
	if kind != MediaVideo {
		kind = MediaAudio
	}

	m.mu.Lock()
	busy := m.closed || m.active != nil || m.starting || len(m.pending) > 0
	if _, dup := m.pending[msg.CallID]; dup {
		m.mu.Unlock()
		return
	}
	if busy {
		m.mu.Unlock()
		log.Printf("CALL [%s]: busy, declining invite from %s", msg.CallID, msg.CallerID)
		m.cfg.Journal.CallInitiated(msg.CallID, msg.CallerID, m.cfg.SelfID, kind)
		m.cfg.Journal.CallMissed(msg.CallID, msg.CallerID)
		err := m.cfg.Bus.Publish(signal.CallTopic(msg.CallID), signal.Message{
			Type:   signal.TypeCallEnded,
			CallID: msg.CallID,
		})
		if err != nil {
			log.Printf("CALL [%s]: busy decline: %v", msg.CallID, err)
		}
		return
	}
	p := &pendingCall{
		callID:   msg.CallID,
		callerID: msg.CallerID,
		kind:     kind,
	}
	// Buffer the invite's offer copy right away; the call-topic copy may
	// have been published before our subscription existed.
	if msg.SDP != "" {
		p.buffered = append(p.buffered, signal.Message{
			Type:   signal.TypeOffer,
			CallID: msg.CallID,
			From:   msg.From,
			SDP:    msg.SDP,
		})
	}
	m.pending[msg.CallID] = p
	m.mu.Unlock()

	// Subscribe before ringing so candidates trickling in during the ring
	// are buffered, not lost.
	cancel, err := m.cfg.Bus.Subscribe(signal.CallTopic(msg.CallID), func(in signal.Message) {
		m.gateMessage(p, in)
	})
	if err != nil {
		log.Printf("CALL [%s]: ring subscribe: %v", msg.CallID, err)
		m.mu.Lock()
		delete(m.pending, msg.CallID)
		m.mu.Unlock()
		return
	}
	p.setCancel(cancel)

	m.cfg.Journal.CallInitiated(msg.CallID, msg.CallerID, m.cfg.SelfID, kind)
	p.notifID = m.cfg.Journal.IncomingRing(msg.CallID, m.cfg.SelfID)
	p.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.mu.Lock()
		_, still := m.pending[msg.CallID]
		if still {
			delete(m.pending, msg.CallID)
		}
		m.mu.Unlock()
		if still {
			log.Printf("CALL [%s]: ring timeout", msg.CallID)
			m.dismissPending(p, true)
		}
	})

	label := m.label(msg.CallerID)
	log.Printf("CALL [%s]: incoming %s call from %s", msg.CallID, kind, label)

	m.handlerMu.RLock()
	handlers := make([]func(IncomingCall), len(m.onIncoming))
	copy(handlers, m.onIncoming)
	m.handlerMu.RUnlock()
	ic := IncomingCall{CallID: msg.CallID, CallerID: msg.CallerID, CallerLabel: label, Kind: kind}
	for _, fn := range handlers {
		fn(ic)
	}
}

// gateMessage handles call-topic traffic for a ringing, not yet accepted
// call: everything is buffered for the eventual session except call-ended,
// which cancels the ring.
func (m *Manager) gateMessage(p *pendingCall, msg signal.Message) {
	if msg.Type == signal.TypeCallEnded {
		m.mu.Lock()
		_, still := m.pending[p.callID]
		if still {
			delete(m.pending, p.callID)
		}
		m.mu.Unlock()
		if still {
			log.Printf("CALL [%s]: caller hung up while ringing", p.callID)
			m.dismissPending(p, false)
		}
		return
	}
	p.handle(msg)
}

// dismissPending tears down a ringing call that will never be accepted,
// records it as missed, and notifies listeners. notifyRemote is false when
// the dismissal was the caller's own doing.
func (m *Manager) dismissPending(p *pendingCall, notifyRemote bool) {
	p.stopTimer()
	p.cancel()
	if notifyRemote {
		err := m.cfg.Bus.Publish(signal.CallTopic(p.callID), signal.Message{
			Type:   signal.TypeCallEnded,
			CallID: p.callID,
		})
		if err != nil {
			log.Printf("CALL [%s]: publish call-ended: %v", p.callID, err)
		}
	}
	m.cfg.Journal.CallMissed(p.callID, p.callerID)
	m.emitEvent(StateChanged{CallID: p.callID, State: StateEnded})
}

// Close declines everything ringing, ends the active call, and stops
// listening for invites. The bus itself belongs to the caller and stays
// open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := make([]*pendingCall, 0, len(m.pending))
	for id, p := range m.pending {
		pending = append(pending, p)
		delete(m.pending, id)
	}
	active := m.active
	unsub := m.unsubUser
	m.unsubUser = nil
	m.mu.Unlock()

	for _, p := range pending {
		m.dismissPending(p, true)
	}
	if active != nil {
		active.End()
	}
	if unsub != nil {
		unsub()
	}
	return nil
}

// pendingCall is the IncomingCallGate state for one ringing invite: a live
// call-topic subscription whose messages are buffered until accept. It
// never touches media devices or the peer connection.
type pendingCall struct {
	callID   string
	callerID string
	kind     MediaKind
	notifID  string

	ringTimer *time.Timer

	mu       sync.Mutex
	buffered []signal.Message
	deliver  func(signal.Message)

	// cancelSub has its own lock: a session torn down while start is
	// replaying the buffer cancels the subscription from under p.mu.
	cancelMu  sync.Mutex
	cancelSub func()
}

// handle buffers msg, or forwards it once a session has taken over.
func (p *pendingCall) handle(msg signal.Message) {
	p.mu.Lock()
	if p.deliver == nil {
		p.buffered = append(p.buffered, msg)
		p.mu.Unlock()
		return
	}
	fn := p.deliver
	p.mu.Unlock()
	fn(msg)
}

// start switches delivery to fn, replaying the buffer first. The lock is
// held across the replay so live messages keep their order behind it.
func (p *pendingCall) start(fn func(signal.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.buffered {
		fn(msg)
	}
	p.buffered = nil
	p.deliver = fn
}

func (p *pendingCall) setCancel(cancel func()) {
	p.cancelMu.Lock()
	p.cancelSub = cancel
	p.cancelMu.Unlock()
}

func (p *pendingCall) cancel() {
	p.cancelMu.Lock()
	cancel := p.cancelSub
	p.cancelSub = nil
	p.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *pendingCall) stopTimer() {
	if p.ringTimer != nil {
		p.ringTimer.Stop()
	}
}
