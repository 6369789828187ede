package call

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// fakePeer stands in for PeerConnectionManager so the state machine runs
// without devices or a network.
type fakePeer struct {
	mu        sync.Mutex
	localSDP  string
	remoteSDP string
	remote    []webrtc.ICECandidateInit
	muted     bool
	videoOff  bool
	closed    bool
	rcvBytes  uint64

	onLocal  func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onStream func(*RemoteStream)
}

func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSDP = "offer-sdp"
	return p.localSDP, nil
}

func (p *fakePeer) AcceptOffer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePeer) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSDP = "answer-sdp"
	return p.localSDP, nil
}

func (p *fakePeer) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePeer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, c)
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSDP != ""
}

func (p *fakePeer) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onLocal = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteStream(fn func(*RemoteStream)) {
	p.mu.Lock()
	p.onStream = fn
	p.mu.Unlock()
}

func (p *fakePeer) ToggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.muted
	}
	p.muted = !p.muted
	return p.muted
}

func (p *fakePeer) ToggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.videoOff
	}
	p.videoOff = !p.videoOff
	return p.videoOff
}

func (p *fakePeer) RemoteBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rcvBytes
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) remoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.remote))
	copy(out, p.remote)
	return out
}

// fireState simulates the underlying connection changing state.
func (p *fakePeer) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// gather simulates local ICE discovery.
func (p *fakePeer) gather(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onLocal
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// fakeJournal records lifecycle calls for assertions.
type fakeJournal struct {
	mu        sync.Mutex
	initiated []string
	connected []string
	ended     []string
	failed    []string
	missed    []string
	rings     []string
	answered  []string
}

func (j *fakeJournal) CallInitiated(callID, callerID, recipientID string, kind MediaKind) {
	j.mu.Lock()
	j.initiated = append(j.initiated, callID)
	j.mu.Unlock()
}

func (j *fakeJournal) CallConnected(callID string) {
	j.mu.Lock()
	j.connected = append(j.connected, callID)
	j.mu.Unlock()
}

func (j *fakeJournal) CallEnded(callID string) {
	j.mu.Lock()
	j.ended = append(j.ended, callID)
	j.mu.Unlock()
}

func (j *fakeJournal) CallFailed(callID string) {
	j.mu.Lock()
	j.failed = append(j.failed, callID)
	j.mu.Unlock()
}

func (j *fakeJournal) CallMissed(callID, callerID string) {
	j.mu.Lock()
	j.missed = append(j.missed, callID)
	j.mu.Unlock()
}

func (j *fakeJournal) IncomingRing(callID, calleeID string) string {
	j.mu.Lock()
	j.rings = append(j.rings, callID)
	j.mu.Unlock()
	return "notif-" + callID
}

func (j *fakeJournal) RingAnswered(notificationID string) {
	j.mu.Lock()
	j.answered = append(j.answered, notificationID)
	j.mu.Unlock()
}

func (j *fakeJournal) count(which string, callID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	var list []string
	switch which {
	case "initiated":
		list = j.initiated
	case "connected":
		list = j.connected
	case "ended":
		list = j.ended
	case "failed":
		list = j.failed
	case "missed":
		list = j.missed
	case "rings":
		list = j.rings
	case "answered":
		list = j.answered
	}
	n := 0
	for _, id := range list {
		if id == callID {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
