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

// vp8SelfView wraps a mediadevices VP8 EncodedReadCloser as a SelfViewSource.
type vp8SelfView struct{ r mediadevices.EncodedReadCloser }

func (s *vp8SelfView) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *vp8SelfView) Close() error { return s.r.Close() }

// initMediaPC creates the peer connection with VP8+Opus codecs and
// captures local camera/mic via pion/mediadevices (V4L2 + malgo). Voice
// calls request the microphone only. Returns the PC and the captured
// local media (nil when capture failed and the call proceeds
// receive-only).
func initMediaPC(remoteUserID string, iceServers []string, kind Kind) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

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
	// 5 s is far too short for relay paths with short outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if either requested track can't be
	// opened, so for video calls try video+audio first, then each alone —
	// a busy microphone must not prevent the camera from working.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if kind == KindVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// producing malformed JPEG frames that poison the VP8
				// encoder. Raw formats only, capped at 640×480.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", remoteUserID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		media := &localMedia{
			stop: func() {
				for _, t := range tracks {
					t.Close()
				}
			},
		}
		brokenVideo := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", remoteUserID, err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", remoteUserID, err)
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				media.audioTrack, media.audioSender = track, sender
			case webrtc.RTPCodecTypeVideo:
				media.videoTrack, media.videoSender = track, sender
				// Independent VP8 reader for local self-preview;
				// mediadevices broadcasts raw frames to both encoders.
				if r, rerr := track.NewEncodedReader(webrtc.MimeTypeVP8); rerr == nil {
					media.selfView = &vp8SelfView{r: r}
					log.Printf("CALL [%s]: self-view VP8 reader ready", remoteUserID)
				} else {
					// A broken video encoder would poison SDP negotiation;
					// drop this attempt and try the next constraint set.
					log.Printf("CALL [%s]: video track broken, skipping attempt (%s): %v", remoteUserID, a.label, rerr)
					brokenVideo = true
				}
			}
		}
		if brokenVideo {
			media.close()
			continue
		}

		log.Printf("CALL [%s]: local media captured (%s) — %d tracks", remoteUserID, a.label, len(tracks))
		return pc, media, nil
	}

	// All capture attempts failed — receive-only so the call can still
	// receive remote media even without a local camera/mic.
	log.Printf("CALL [%s]: all media capture attempts failed — proceeding receive-only", remoteUserID)
	addRecvOnlyTransceivers(remoteUserID, pc, kind)
	return pc, nil, nil
}
