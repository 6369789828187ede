// Package signal carries call signaling between the two sides of a call
// attempt over an external message relay. It is deliberately thin: a typed
// message, a topic naming scheme, and a Bus contract that every backend
// (in-process, Redis, gossipsub, websocket relay) satisfies.
package signal

import (
	"encoding/json"
	"errors"
)

// MessageType identifies a signaling message.
type MessageType string

const (
	TypeInvite       MessageType = "invite"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeIceCandidate MessageType = "ice-candidate"
	TypeCallEnded    MessageType = "call-ended"
)

// Message is the wire payload exchanged over a call topic. Exactly one offer
// is sent per call attempt (by the caller) and exactly one answer (by the
// callee); any number of ice-candidate messages may follow from either side.
// Invite messages flow on user topics only, never on call topics.
type Message struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	From   string      `json:"from,omitempty"`

	// SDP carries the session description for offer/answer.
	SDP string `json:"sdp,omitempty"`

	// Candidate carries one ICE candidate descriptor for ice-candidate,
	// kept opaque so the bus never depends on the WebRTC stack.
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Invite fields (user-topic announcements).
	CallerID    string `json:"caller_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	MediaKind   string `json:"media_kind,omitempty"`
}

// ErrRelayUnavailable is returned when the backing relay cannot be reached
// for a publish or subscribe. Callers treat it as terminal for the attempt.
var ErrRelayUnavailable = errors.New("signal: relay unavailable")

// Handler consumes one inbound message. Handlers must not block; slow
// consumers should hand off to their own queue.
type Handler func(Message)

// Bus is the relay abstraction. Subscribe returns only once the
// subscription is live on the relay, so a publish issued after Subscribe
// returns is observed by a concurrently-subscribing peer. Messages of the
// same type preserve the sender's publish order; no ordering is guaranteed
// across types.
type Bus interface {
	// Publish sends msg to every current subscriber of topic.
	Publish(topic string, msg Message) error

	// Subscribe delivers every message published to topic to fn until the
	// returned cancel function is called. Self-published messages are
	// filtered by the sender tag given at bus construction.
	Subscribe(topic string, fn Handler) (cancel func(), err error)

	// Close releases the relay connection and all subscriptions.
	Close() error
}

// CallTopic names the signaling topic for one call attempt.
func CallTopic(callID string) string {
	return "call:" + callID
}

// UserTopic names the per-user topic that carries call invites.
func UserTopic(userID string) string {
	return "user:" + userID + ":calls"
}
