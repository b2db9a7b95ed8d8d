// Package media acquires local capture tracks (microphone, camera, screen)
// through pion/mediadevices and encodes them with opus and x264.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/x264"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"meshmeet/client"
)

const (
	defaultVideoWidth   = 1280
	defaultVideoHeight  = 720
	defaultVideoBitRate = 500_000
)

var ErrNoDevices = errors.New("no capture devices found")

type Config struct {
	VideoWidth   int
	VideoHeight  int
	VideoBitRate int
}

// Devices is the hardware-backed capturer. It also owns the webrtc API
// whose media engine is populated with the same codec selector the capture
// tracks encode with; peer connections must be built through NewConn so
// both sides of the pipeline agree on codecs.
type Devices struct {
	selector *mediadevices.CodecSelector
	api      *webrtc.API
	cfg      Config
}

func NewDevices(cfg Config) (*Devices, error) {
	if cfg.VideoWidth == 0 {
		cfg.VideoWidth = defaultVideoWidth
	}
	if cfg.VideoHeight == 0 {
		cfg.VideoHeight = defaultVideoHeight
	}
	if cfg.VideoBitRate == 0 {
		cfg.VideoBitRate = defaultVideoBitRate
	}

	x264Params, err := x264.NewParams()
	if err != nil {
		return nil, errors.Join(errors.New("unable to init x264 encoder"), err)
	}
	x264Params.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.Join(errors.New("unable to init opus encoder"), err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(&x264Params),
	)

	mediaEngine := webrtc.MediaEngine{}
	selector.Populate(&mediaEngine)

	return &Devices{
		selector: selector,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine)),
		cfg:      cfg,
	}, nil
}

// NewConn builds a peer connection negotiating the capture codec set.
func (d *Devices) NewConn(iceServers []string) (client.MediaConn, error) {
	return client.NewPeerConnectionWithAPI(d.api, iceServers)
}

func (d *Devices) Microphone(ctx context.Context) (client.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, err
	}
	return d.firstTrack(stream.GetAudioTracks(), client.TrackKindAudio)
}

func (d *Devices) Camera(ctx context.Context) (client.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(d.cfg.VideoWidth)
			c.Height = prop.Int(d.cfg.VideoHeight)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, err
	}
	return d.firstTrack(stream.GetVideoTracks(), client.TrackKindVideo)
}

func (d *Devices) Screen(ctx context.Context) (client.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, err
	}
	return d.firstTrack(stream.GetVideoTracks(), client.TrackKindVideo)
}

func (d *Devices) firstTrack(tracks []mediadevices.Track, kind client.TrackKind) (client.Track, error) {
	if len(tracks) == 0 {
		return nil, ErrNoDevices
	}
	return newDeviceTrack(tracks[0], kind), nil
}

// deviceTrack adapts a mediadevices capture track. The enabled flag is
// bookkeeping only: disabling does not pause the encoder, callers that
// want the hardware released close the track instead.
type deviceTrack struct {
	track mediadevices.Track
	kind  client.TrackKind

	mu      sync.Mutex
	enabled bool
	onEnded func()
}

func newDeviceTrack(track mediadevices.Track, kind client.TrackKind) *deviceTrack {
	t := &deviceTrack{
		track:   track,
		kind:    kind,
		enabled: true,
	}
	track.OnEnded(func(error) {
		t.mu.Lock()
		f := t.onEnded
		t.mu.Unlock()
		if f != nil {
			f()
		}
	})
	return t
}

func (t *deviceTrack) ID() string {
	return t.track.ID()
}

func (t *deviceTrack) Kind() client.TrackKind {
	return t.kind
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *deviceTrack) OnEnded(f func()) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

func (t *deviceTrack) Local() webrtc.TrackLocal {
	return t.track
}

func (t *deviceTrack) Close() error {
	return t.track.Close()
}
