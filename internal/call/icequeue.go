package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// IceCandidateQueue buffers ICE candidates until the description they
// depend on exists. Sessions run one per direction: inbound candidates
// wait for the remote description, outbound ones wait for the offer or
// answer to be published. After Release, candidates pass straight through
// in arrival order.
type IceCandidateQueue struct {
	mu       sync.Mutex
	apply    func(webrtc.ICECandidateInit) error
	pending  []webrtc.ICECandidateInit
	released bool
}

// NewIceCandidateQueue creates a queue that hands released candidates to
// apply, preserving arrival order.
func NewIceCandidateQueue(apply func(webrtc.ICECandidateInit) error) *IceCandidateQueue {
	return &IceCandidateQueue{apply: apply}
}

// Put buffers c, or applies it immediately if the queue has been released.
func (q *IceCandidateQueue) Put(c webrtc.ICECandidateInit) error {
	q.mu.Lock()
	if !q.released {
		q.pending = append(q.pending, c)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return q.apply(c)
}

// Release flushes buffered candidates in order and switches the queue to
// pass-through. A second Release is a no-op. The first apply error is
// returned; later candidates are still attempted, since individual
// candidate failures must not lose the rest.
func (q *IceCandidateQueue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil
	}
	q.released = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	var first error
	for _, c := range pending {
		if err := q.apply(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Len reports how many candidates are waiting.
func (q *IceCandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
