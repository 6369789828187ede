package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chimelab/chime/internal/signal"
)

// Session is one call attempt, caller or callee side. All state moves
// through finish() exactly once; every public method is safe after the
// session has reached a terminal state.
type Session struct {
	CallID string
	Role   Role
	Kind   MediaKind
	// PeerID is the remote user, LocalID the local one.
	PeerID  string
	LocalID string

	bus     signal.Bus
	journal Journal
	emit    func(Event)
	// onDone runs once after the session reaches a terminal state, so the
	// owner can drop its reference.
	onDone func(*Session)

	mu          sync.Mutex
	state       State
	peer        Peer
	inbound     *IceCandidateQueue
	outbound    *IceCandidateQueue
	unsubscribe func()
	answerTimer *time.Timer

	endOnce sync.Once
}

type sessionDeps struct {
	bus     signal.Bus
	journal Journal
	factory PeerFactory
	emit    func(Event)
	onDone  func(*Session)
}

// startOutgoingSession runs the caller side up to the published offer.
// Media capture happens first: if no device can be acquired, the error is
// returned here and nothing has touched the relay, so the remote side
// never learns the attempt existed. announce delivers the invite to the
// recipient's user topic once the offer exists; relays only deliver to
// current subscribers, so the invite carries the offer along and the
// call-topic copy is just for peers already listening.
func startOutgoingSession(callID, localID, peerID string, kind MediaKind, answerTimeout time.Duration, announce func(offerSDP string) error, deps sessionDeps) (*Session, error) {
	s := &Session{
		CallID:  callID,
		Role:    RoleCaller,
		Kind:    kind,
		PeerID:  peerID,
		LocalID: localID,
		bus:     deps.bus,
		journal: deps.journal,
		emit:    deps.emit,
		onDone:  deps.onDone,
		state:   StateInitiating,
	}
	s.journal.CallInitiated(callID, localID, peerID, kind)

	peer, err := deps.factory(callID, kind)
	if err != nil {
		s.journal.CallFailed(callID)
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return nil, err
	}
	s.attachPeer(peer)

	unsub, err := deps.bus.Subscribe(signal.CallTopic(callID), s.handleSignal)
	if err != nil {
		s.teardownEarly(peer)
		return nil, fmt.Errorf("subscribe call topic: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	sdp, err := peer.CreateOffer()
	if err != nil {
		s.teardownEarly(peer)
		return nil, err
	}
	if err := announce(sdp); err != nil {
		s.teardownEarly(peer)
		return nil, fmt.Errorf("publish invite: %w", err)
	}
	err = deps.bus.Publish(signal.CallTopic(callID), signal.Message{
		Type:   signal.TypeOffer,
		CallID: callID,
		SDP:    sdp,
	})
	if err != nil {
		s.teardownEarly(peer)
		return nil, fmt.Errorf("publish offer: %w", err)
	}
	// Outbound candidates stay queued until the answer arrives: only then
	// is the callee known to be subscribed to the call topic.

	s.mu.Lock()
	s.state = StateRinging
	s.answerTimer = time.AfterFunc(answerTimeout, func() {
		log.Printf("CALL [%s]: no answer after %s", callID, answerTimeout)
		s.finish(StateFailed, KindTimeout, true)
	})
	s.mu.Unlock()
	s.emit(StateChanged{CallID: callID, State: StateRinging})
	return s, nil
}

// signalFeed hands a session an already-live call-topic subscription.
// cancel tears the subscription down; start switches delivery to the
// session, replaying in order whatever was buffered while it rang.
type signalFeed struct {
	cancel func()
	start  func(deliver func(signal.Message))
}

// startIncomingSession runs the callee side at accept time. The caller is
// responsible for invoking feed.start(s.handleSignal) once the session is
// registered; the buffered offer then replays through handleSignal and the
// answer goes out.
func startIncomingSession(callID, localID, peerID string, kind MediaKind, feed signalFeed, deps sessionDeps) (*Session, error) {
	s := &Session{
		CallID:  callID,
		Role:    RoleCallee,
		Kind:    kind,
		PeerID:  peerID,
		LocalID: localID,
		bus:     deps.bus,
		journal: deps.journal,
		emit:    deps.emit,
		onDone:  deps.onDone,
		state:   StateInitiating,
	}

	peer, err := deps.factory(callID, kind)
	if err != nil {
		// The caller is waiting on an answer, so unlike the outgoing path
		// this failure must be signaled.
		s.journal.CallFailed(callID)
		s.publishEnd()
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return nil, err
	}
	s.attachPeer(peer)

	s.mu.Lock()
	s.unsubscribe = feed.cancel
	s.mu.Unlock()
	s.emit(StateChanged{CallID: callID, State: StateInitiating})
	return s, nil
}

// attachPeer wires the peer callbacks and both candidate queues.
func (s *Session) attachPeer(peer Peer) {
	s.inbound = NewIceCandidateQueue(peer.AddRemoteCandidate)
	s.outbound = NewIceCandidateQueue(s.publishCandidate)

	peer.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		if err := s.outbound.Put(c); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", s.CallID, err)
		}
	})
	peer.OnConnectionStateChange(s.handleConnState)
	peer.OnRemoteStream(func(stream *RemoteStream) {
		s.emit(RemoteStreamReady{CallID: s.CallID, Stream: stream})
	})

	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
}

// teardownEarly cleans up a caller-side session whose setup failed before
// it was handed to the owner. No call-ended is published: the remote side
// has not been invited yet.
func (s *Session) teardownEarly(peer Peer) {
	s.journal.CallFailed(s.CallID)
	s.mu.Lock()
	s.state = StateFailed
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if err := peer.Close(); err != nil {
		log.Printf("CALL [%s]: close peer: %v", s.CallID, err)
	}
}

func (s *Session) publishCandidate(c webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	return s.bus.Publish(signal.CallTopic(s.CallID), signal.Message{
		Type:      signal.TypeIceCandidate,
		CallID:    s.CallID,
		Candidate: raw,
	})
}

// publishEnd tells the remote side the call is over. At most one
// call-ended is ever sent per session.
func (s *Session) publishEnd() {
	s.endOnce.Do(func() {
		err := s.bus.Publish(signal.CallTopic(s.CallID), signal.Message{
			Type:   signal.TypeCallEnded,
			CallID: s.CallID,
		})
		if err != nil {
			log.Printf("CALL [%s]: publish call-ended: %v", s.CallID, err)
		}
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// End hangs up locally. Safe to call in any state, any number of times.
func (s *Session) End() {
	s.finish(StateEnded, "", true)
}

// ToggleMute flips the microphone. Returns the new muted state; false
// once the session is terminal.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	peer, terminal := s.peer, s.state.Terminal()
	s.mu.Unlock()
	if terminal || peer == nil {
		return false
	}
	return peer.ToggleMute()
}

// ToggleVideo flips the camera. Returns the new disabled state; false
// once the session is terminal.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	peer, terminal := s.peer, s.state.Terminal()
	s.mu.Unlock()
	if terminal || peer == nil {
		return false
	}
	return peer.ToggleVideo()
}

// handleSignal consumes one message from the call topic.
func (s *Session) handleSignal(msg signal.Message) {
	if msg.CallID != "" && msg.CallID != s.CallID {
		return
	}
	switch msg.Type {
	case signal.TypeOffer:
		s.handleOffer(msg.SDP)
	case signal.TypeAnswer:
		s.handleAnswer(msg.SDP)
	case signal.TypeIceCandidate:
		s.handleCandidate(msg.Candidate)
	case signal.TypeCallEnded:
		s.handleRemoteEnd()
	default:
		log.Printf("CALL [%s]: ignoring %q on call topic", s.CallID, msg.Type)
	}
}

func (s *Session) handleOffer(sdp string) {
	s.mu.Lock()
	peer := s.peer
	wrongSide := s.Role != RoleCallee || s.state.Terminal()
	s.mu.Unlock()
	if wrongSide || peer == nil {
		log.Printf("CALL [%s]: unexpected offer, dropping", s.CallID)
		return
	}
	if peer.HasRemoteDescription() {
		// Duplicate delivery from the relay.
		return
	}

	if err := peer.AcceptOffer(sdp); err != nil {
		log.Printf("CALL [%s]: accept offer: %v", s.CallID, err)
		s.finish(StateFailed, KindNegotiationFailed, true)
		return
	}
	if err := s.inbound.Release(); err != nil {
		log.Printf("CALL [%s]: inbound candidate flush: %v", s.CallID, err)
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		log.Printf("CALL [%s]: create answer: %v", s.CallID, err)
		s.finish(StateFailed, KindNegotiationFailed, true)
		return
	}
	err = s.bus.Publish(signal.CallTopic(s.CallID), signal.Message{
		Type:   signal.TypeAnswer,
		CallID: s.CallID,
		SDP:    answer,
	})
	if err != nil {
		log.Printf("CALL [%s]: publish answer: %v", s.CallID, err)
		s.finish(StateFailed, Classify(err), false)
		return
	}

	// Answer is out; the callee rings until the transport connects.
	s.mu.Lock()
	ringing := s.state == StateInitiating
	if ringing {
		s.state = StateRinging
	}
	s.mu.Unlock()
	if ringing {
		s.emit(StateChanged{CallID: s.CallID, State: StateRinging})
	}

	if err := s.outbound.Release(); err != nil {
		log.Printf("CALL [%s]: outbound candidate flush: %v", s.CallID, err)
	}
}

func (s *Session) handleAnswer(sdp string) {
	s.mu.Lock()
	peer := s.peer
	wrongSide := s.Role != RoleCaller || s.state.Terminal()
	timer := s.answerTimer
	s.mu.Unlock()
	if wrongSide || peer == nil {
		log.Printf("CALL [%s]: unexpected answer, dropping", s.CallID)
		return
	}
	if peer.HasRemoteDescription() {
		return
	}
	if timer != nil {
		timer.Stop()
	}

	if err := peer.AcceptAnswer(sdp); err != nil {
		log.Printf("CALL [%s]: accept answer: %v", s.CallID, err)
		s.finish(StateFailed, KindNegotiationFailed, true)
		return
	}
	if err := s.inbound.Release(); err != nil {
		log.Printf("CALL [%s]: inbound candidate flush: %v", s.CallID, err)
	}
	// The answer proves the callee is on the call topic; start trickling.
	if err := s.outbound.Release(); err != nil {
		log.Printf("CALL [%s]: outbound candidate flush: %v", s.CallID, err)
	}
}

func (s *Session) handleCandidate(raw json.RawMessage) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Printf("CALL [%s]: bad candidate payload: %v", s.CallID, err)
		return
	}
	// A single bad candidate is not fatal; the pair may still connect on
	// the remaining ones.
	if err := s.inbound.Put(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.CallID, err)
	}
}

// handleRemoteEnd reacts to the other side hanging up, declining, or
// failing. Nothing is published back.
func (s *Session) handleRemoteEnd() {
	s.endOnce.Do(func() {})
	s.finish(StateEnded, "", false)
}

// handleConnState reacts to ICE/DTLS transitions from the peer connection.
func (s *Session) handleConnState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.markConnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// finish turns this into a plain hang-up if the call had already
		// connected.
		s.finish(StateFailed, KindNegotiationFailed, true)
	case webrtc.PeerConnectionStateDisconnected:
		if s.State() == StateConnected {
			// An established pair that drops rarely comes back; treat it
			// as the far side going away.
			s.finish(StateEnded, "", true)
			return
		}
		// Transient before connect; terminal failure arrives as Failed.
		log.Printf("CALL [%s]: transport disconnected", s.CallID)
	}
}

func (s *Session) markConnected() {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	timer := s.answerTimer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.journal.CallConnected(s.CallID)
	s.emit(StateChanged{CallID: s.CallID, State: StateConnected})
}

// finish is the single teardown path: it moves the session to terminal
// state st, optionally notifies the remote side, releases the peer and
// the subscription, records the outcome, and emits the final events.
// Only the first call does anything.
func (s *Session) finish(st State, kind ErrorKind, notifyRemote bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == StateConnected
	if wasConnected && st == StateFailed {
		// Transport loss on an established call is a hang-up, not a
		// failure: the users talked, the call just stopped.
		st = StateEnded
		kind = ""
	}
	s.state = st
	peer := s.peer
	unsub := s.unsubscribe
	s.unsubscribe = nil
	timer := s.answerTimer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if notifyRemote {
		s.publishEnd()
	}
	if unsub != nil {
		unsub()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Printf("CALL [%s]: close peer: %v", s.CallID, err)
		}
	}

	if wasConnected {
		if peer != nil {
			log.Printf("CALL [%s]: hung up, %d remote media byte(s) received",
				s.CallID, peer.RemoteBytes())
		}
		s.journal.CallEnded(s.CallID)
	} else {
		s.journal.CallFailed(s.CallID)
	}

	if kind != "" {
		s.emit(CallError{CallID: s.CallID, Kind: kind})
	}
	s.emit(StateChanged{CallID: s.CallID, State: st})
	if s.onDone != nil {
		s.onDone(s)
	}
}
