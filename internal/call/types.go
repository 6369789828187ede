// Package call implements two-party call sessions: media capture, WebRTC
// peer connections, the offer/answer/ICE exchange, and the call lifecycle
// state machine. Coupling to the rest of the product is via the signal.Bus,
// the Journal, and the Directory interfaces only.
package call

import (
	"github.com/pion/webrtc/v4"
)

// Role determines which side produces the initial offer. Only the caller
// ever offers; there is no glare handling by design.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// MediaKind selects which devices a session captures.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// State is the call lifecycle state. Ended and Failed are terminal;
// entering either is idempotent.
type State string

const (
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Event is the typed notification surface of the call core. Consumers
// receive events through Manager.OnEvent; the concrete variants are
// StateChanged, RemoteStreamReady and CallError.
type Event interface {
	// Call returns the call attempt the event belongs to.
	Call() string
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	CallID string
	State  State
}

func (e StateChanged) Call() string { return e.CallID }

// RemoteStreamReady fires once, when the first remote track set arrives.
// The stream is received, not owned: sessions never close remote tracks.
type RemoteStreamReady struct {
	CallID string
	Stream *RemoteStream
}

func (e RemoteStreamReady) Call() string { return e.CallID }

// CallError reports a terminal error for the attempt. Exactly one is
// emitted per failed call.
type CallError struct {
	CallID string
	Kind   ErrorKind
}

func (e CallError) Call() string { return e.CallID }

// Peer is the session's view of the underlying peer connection and local
// media. PeerConnectionManager is the production implementation; tests
// substitute a fake so the state machine runs without hardware.
type Peer interface {
	// CreateOffer builds the offer description and sets it as the local
	// description, which starts local candidate gathering.
	CreateOffer() (sdp string, err error)
	// AcceptOffer sets the received offer as the remote description.
	AcceptOffer(sdp string) error
	// CreateAnswer builds the answer and sets it as the local description.
	CreateAnswer() (sdp string, err error)
	// AcceptAnswer sets the received answer as the remote description.
	AcceptAnswer(sdp string) error

	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	HasRemoteDescription() bool

	// OnLocalCandidate registers the sink for locally-gathered candidates.
	// Must be set before CreateOffer/CreateAnswer.
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// OnRemoteStream fires once, when the first remote track arrives.
	OnRemoteStream(fn func(*RemoteStream))

	// ToggleMute and ToggleVideo flip the corresponding local tracks and
	// return the new disabled state. Both are no-ops after Close.
	ToggleMute() bool
	ToggleVideo() bool

	// RemoteBytes reports how many remote media payload bytes have
	// arrived so far.
	RemoteBytes() uint64

	// Close stops local capture and closes the connection. Idempotent.
	Close() error
}

// PeerFactory builds the Peer for a new session. Capture failures must be
// reported here, synchronously, so the attempt can be rejected before any
// signaling happens.
type PeerFactory func(callID string, kind MediaKind) (Peer, error)

// Journal receives lifecycle transitions for durable recording. A journal
// failure never affects in-memory call state.
type Journal interface {
	CallInitiated(callID, callerID, recipientID string, kind MediaKind)
	CallConnected(callID string)
	// CallEnded records the normal end of a previously-connected call.
	CallEnded(callID string)
	// CallFailed records a terminal attempt that never connected.
	CallFailed(callID string)
	// CallMissed records the callee-side missed outcome and notifies the
	// caller.
	CallMissed(callID, callerID string)
	// IncomingRing records the ring notification for the callee and
	// returns its ID for RingAnswered.
	IncomingRing(callID, calleeID string) string
	RingAnswered(notificationID string)
}

// Directory resolves user IDs to display labels for incoming-call
// surfaces. Identity lookup itself is outside the call core.
type Directory interface {
	Label(userID string) string
}
