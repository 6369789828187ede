package call

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested for each remote video
// track, so a renderer that attaches late still gets a decodable stream.
const pliInterval = 3 * time.Second

// PeerConnectionManager owns the WebRTC peer connection and the captured
// local media of one session. Mute/video toggles flip the local senders
// without renegotiating and stay safe after Close.
type PeerConnectionManager struct {
	callID string

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	media  *localMedia
	closed bool

	audioMuted    bool
	videoDisabled bool

	remoteStream  *RemoteStream
	remoteBytes   atomic.Uint64
	remotePackets atomic.Uint64

	onLocalCandidate func(webrtc.ICECandidateInit)
	onConnState      func(webrtc.PeerConnectionState)
	onRemoteStream   func(*RemoteStream)

	done chan struct{}
}

// NewPeerConnectionManager captures local media for kind and wraps it with
// a fresh peer connection. Device acquisition failures are returned
// synchronously; nothing is retried.
func NewPeerConnectionManager(callID string, kind MediaKind, cfg MediaConfig) (*PeerConnectionManager, error) {
	pc, media, err := initMediaPC(callID, kind, cfg)
	if err != nil {
		return nil, err
	}

	p := &PeerConnectionManager{
		callID: callID,
		pc:     pc,
		media:  media,
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		fn := p.onLocalCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state → %s", callID, s)
		p.mu.Lock()
		fn := p.onConnState
		p.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track %s (%s)", callID, track.ID(), track.Codec().MimeType)
		p.handleRemoteTrack(track)
	})

	return p, nil
}

// handleRemoteTrack adds track to the remote stream, firing the
// remote-stream callback on the first track only, and starts the drain
// loop that keeps SRTP and the interceptors fed.
func (p *PeerConnectionManager) handleRemoteTrack(track *webrtc.TrackRemote) {
	p.mu.Lock()
	first := p.remoteStream == nil
	if first {
		p.remoteStream = &RemoteStream{}
	}
	stream := p.remoteStream
	fn := p.onRemoteStream
	p.mu.Unlock()

	stream.add(track)
	if first && fn != nil {
		fn(stream)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.pliLoop(track)
	}
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			p.noteRemotePacket(pkt)
		}
	}()
}

func (p *PeerConnectionManager) noteRemotePacket(pkt *rtp.Packet) {
	p.remotePackets.Add(1)
	p.remoteBytes.Add(uint64(len(pkt.Payload)))
}

// pliLoop periodically asks the remote encoder for a keyframe.
func (p *PeerConnectionManager) pliLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// RemoteBytes reports how many remote media payload bytes have arrived.
func (p *PeerConnectionManager) RemoteBytes() uint64 {
	return p.remoteBytes.Load()
}

func (p *PeerConnectionManager) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onLocalCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConnectionManager) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConnState = fn
	p.mu.Unlock()
}

func (p *PeerConnectionManager) OnRemoteStream(fn func(*RemoteStream)) {
	p.mu.Lock()
	p.onRemoteStream = fn
	p.mu.Unlock()
}

func (p *PeerConnectionManager) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	// Setting the local description starts candidate gathering; the
	// candidates trickle out through OnLocalCandidate.
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *PeerConnectionManager) AcceptOffer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	return nil
}

func (p *PeerConnectionManager) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *PeerConnectionManager) AcceptAnswer(sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *PeerConnectionManager) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *PeerConnectionManager) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// ToggleMute flips the local audio sender and returns the new muted state.
// No-op after Close.
func (p *PeerConnectionManager) ToggleMute() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.audioMuted
	}
	p.audioMuted = !p.audioMuted
	if p.media.audioSender != nil {
		var err error
		if p.audioMuted {
			err = p.media.audioSender.ReplaceTrack(nil)
		} else {
			err = p.media.audioSender.ReplaceTrack(p.media.audioTrack)
		}
		if err != nil {
			log.Printf("CALL [%s]: toggle mute: %v", p.callID, err)
		}
	}
	return p.audioMuted
}

// ToggleVideo flips the local video sender and returns the new disabled
// state. No-op after Close.
func (p *PeerConnectionManager) ToggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.videoDisabled
	}
	p.videoDisabled = !p.videoDisabled
	if p.media.videoSender != nil {
		var err error
		if p.videoDisabled {
			err = p.media.videoSender.ReplaceTrack(nil)
		} else {
			err = p.media.videoSender.ReplaceTrack(p.media.videoTrack)
		}
		if err != nil {
			log.Printf("CALL [%s]: toggle video: %v", p.callID, err)
		}
	}
	return p.videoDisabled
}

// Close releases the captured devices and closes the connection.
// Idempotent; each step runs even if the previous one fails.
func (p *PeerConnectionManager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	media := p.media
	p.mu.Unlock()

	close(p.done)
	media.release(p.callID)
	if n := p.remotePackets.Load(); n > 0 {
		log.Printf("CALL [%s]: media closed after %d remote packet(s), %d payload byte(s)",
			p.callID, n, p.remoteBytes.Load())
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
