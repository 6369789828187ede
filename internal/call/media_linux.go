//go:build linux && cgo

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates the peer connection with VP8+Opus codecs and captures
// the local camera/mic via pion/mediadevices (V4L2 + malgo). Capture is a
// single attempt: a missing or denied device rejects the call attempt, it
// is never retried here.
func initMediaPC(callID string, kind MediaKind, cfg MediaConfig) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate
	if vpxParams.BitRate == 0 {
		vpxParams.BitRate = defaultVideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call. The default disconnectedTimeout of
	// 5s is far too short for relay paths with short outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == MediaVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8
			// encoder and breaks SDP negotiation. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency without helping a two-party call.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		_ = pc.Close()
		log.Printf("CALL [%s]: GetUserMedia failed: %v", callID, err)
		return nil, nil, classifyCapture(err)
	}

	media := &localMedia{}
	tracks := stream.GetTracks()
	media.stop = func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local track ended: %v", callID, err)
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			media.release(callID)
			_ = pc.Close()
			return nil, nil, err
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			media.audioSender, media.audioTrack = sender, track
		case webrtc.RTPCodecTypeVideo:
			media.videoSender, media.videoTrack = sender, track
		}
	}

	log.Printf("CALL [%s]: local media captured (%s) — %d tracks", callID, kind, len(tracks))
	return pc, media, nil
}
