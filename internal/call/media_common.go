package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaConfig carries the connection-level media settings for new peer
// connections.
type MediaConfig struct {
	// STUNURLs are the ICE servers handed to the peer connection.
	STUNURLs []string
	// VideoBitRate caps the VP8 encoder, in bits per second. Zero uses
	// the package default.
	VideoBitRate int
}

const defaultVideoBitRate = 1_500_000 // 1.5 Mbps

// DefaultSTUNURLs is used when the config names no ICE servers.
var DefaultSTUNURLs = []string{"stun:stun.l.google.com:19302"}

func (c MediaConfig) iceServers() []webrtc.ICEServer {
	urls := c.STUNURLs
	if len(urls) == 0 {
		urls = DefaultSTUNURLs
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// localMedia is the session-owned half of the media plane: captured tracks
// and the senders they are wired to. The session must release it on every
// exit path; remote tracks are never part of it.
type localMedia struct {
	// stop closes all captured tracks and releases the devices.
	stop func()

	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
}

func (m *localMedia) release(callID string) {
	if m == nil || m.stop == nil {
		return
	}
	stop := m.stop
	m.stop = nil
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CALL [%s]: panic releasing local media: %v", callID, r)
		}
	}()
	stop()
}

// RemoteStream is the received track set of the far side. It is owned by
// the remote peer; the session only references it for rendering and never
// closes its tracks.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns the remote tracks received so far.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// addRecvOnlyTransceivers adds recvonly transceivers for the negotiated
// kinds so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials, even with no local capture.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection, kind MediaKind) {
	if kind == MediaVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", callID, err)
	}
}
