package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a local capture track as the publisher sees it. The Enabled
// flag is a cheap mute that keeps the capture device open; closing the
// track releases the device.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// OnEnded fires when the capture source terminates itself, e.g. the
	// user stops a screen share via system UI.
	OnEnded(f func())
	Local() webrtc.TrackLocal
	Close() error
}

// Capturer acquires local capture tracks.
type Capturer interface {
	Microphone(ctx context.Context) (Track, error)
	Camera(ctx context.Context) (Track, error)
	Screen(ctx context.Context) (Track, error)
}

// AcquireError is a categorized local media failure, surfaced to the
// user-facing caller with a human-readable cause.
type AcquireError struct {
	Device string
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("failed to acquire %s: %v", e.Device, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

var ErrNoLocalMedia = errors.New("no local media published")

// TrackTarget is a peer session from the publisher's point of view.
type TrackTarget interface {
	AddLocalTrack(t Track) error
	RemoveLocalTrack(kind TrackKind) error
	SubstituteVideo(t Track) error
}

// Snapshot is the immutable published-media state. Every mutation builds
// a fresh value with a bumped Version; subscribers detect change by
// version, never by pointer identity.
type Snapshot struct {
	Version uint64

	Audio  Track // microphone, nil when never acquired
	Video  Track // camera, nil while video is disabled
	Screen Track // display capture, nil unless sharing

	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

// Publisher owns the local audio/video/screen tracks and fans every
// add/remove/replace out to all active peer sessions, renegotiating where
// the operation requires it.
type Publisher struct {
	mu              sync.Mutex
	capturer        Capturer
	snap            Snapshot
	changes         chan Snapshot
	targets         func() []TrackTarget
	onScreenStopped func()
	logger          zerolog.Logger
}

type PublisherConfig struct {
	Capturer Capturer
	// Targets returns the currently active peer sessions.
	Targets func() []TrackTarget
	// OnScreenStopped fires whenever an active screen share ends, whether
	// stopped by the user or by the capture source itself.
	OnScreenStopped func()
	Logger          *zerolog.Logger
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	return &Publisher{
		capturer:        cfg.Capturer,
		changes:         make(chan Snapshot, 16),
		targets:         cfg.Targets,
		onScreenStopped: cfg.OnScreenStopped,
		logger:          cfg.Logger.With().Str("component", "publisher").Logger(),
	}
}

// Start performs the initial acquisition before a room is joined. On any
// failure every already-acquired track is released and the error is
// returned, so a join never proceeds half-equipped.
func (p *Publisher) Start(ctx context.Context, audio, video bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mic, cam Track
	if audio {
		var err error
		if mic, err = p.capturer.Microphone(ctx); err != nil {
			return &AcquireError{Device: "microphone", Err: err}
		}
	}
	if video {
		var err error
		if cam, err = p.capturer.Camera(ctx); err != nil {
			if mic != nil {
				_ = mic.Close()
			}
			return &AcquireError{Device: "camera", Err: err}
		}
	}

	p.publish(func(s *Snapshot) {
		s.Audio = mic
		s.Video = cam
		s.AudioEnabled = audio
		s.VideoEnabled = video
	})
	return nil
}

// Snapshot returns the current published set.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Changes delivers a snapshot after every mutation. A slow consumer may
// miss intermediate versions but always receives the latest one.
func (p *Publisher) Changes() <-chan Snapshot {
	return p.changes
}

// Tracks returns the tracks a freshly created peer session should carry:
// the audio track and whichever of screen/camera currently owns the video
// slot.
func (p *Publisher) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Track, 0, 2)
	if p.snap.Audio != nil {
		out = append(out, p.snap.Audio)
	}
	switch {
	case p.snap.Screen != nil:
		out = append(out, p.snap.Screen)
	case p.snap.Video != nil:
		out = append(out, p.snap.Video)
	}
	return out
}

// EnableAudio unmutes the existing audio track, which needs no
// renegotiation. When no audio track exists one is acquired and added to
// every peer session, which does.
func (p *Publisher) EnableAudio(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snap.Audio != nil {
		p.snap.Audio.SetEnabled(true)
		p.publish(func(s *Snapshot) { s.AudioEnabled = true })
		return nil
	}

	mic, err := p.capturer.Microphone(ctx)
	if err != nil {
		return &AcquireError{Device: "microphone", Err: err}
	}
	for _, target := range p.targets() {
		if err = target.AddLocalTrack(mic); err != nil {
			p.logger.Error().Err(err).Msg("failed to add audio track to peer")
		}
	}
	p.publish(func(s *Snapshot) {
		s.Audio = mic
		s.AudioEnabled = true
	})
	return nil
}

// DisableAudio mutes the track in place, keeping it attached so
// re-enabling stays cheap.
func (p *Publisher) DisableAudio() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snap.Audio != nil {
		p.snap.Audio.SetEnabled(false)
	}
	p.publish(func(s *Snapshot) { s.AudioEnabled = false })
}

// EnableVideo acquires a fresh camera track, adds it to every peer session
// and renegotiates each. While a screen share is active only the snapshot
// is updated; the camera takes the video slot back when the share stops.
func (p *Publisher) EnableVideo(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snap.Video != nil {
		p.snap.Video.SetEnabled(true)
		p.publish(func(s *Snapshot) { s.VideoEnabled = true })
		return nil
	}

	cam, err := p.capturer.Camera(ctx)
	if err != nil {
		return &AcquireError{Device: "camera", Err: err}
	}
	if p.snap.Screen == nil {
		for _, target := range p.targets() {
			if err = target.AddLocalTrack(cam); err != nil {
				p.logger.Error().Err(err).Msg("failed to add video track to peer")
			}
		}
	}
	p.publish(func(s *Snapshot) {
		s.Video = cam
		s.VideoEnabled = true
	})
	return nil
}

// DisableVideo stops and removes the camera track entirely so the capture
// hardware indicator turns off, and retracts the corresponding send slot
// on every peer session, renegotiating each.
func (p *Publisher) DisableVideo() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cam := p.snap.Video
	if cam == nil {
		p.publish(func(s *Snapshot) { s.VideoEnabled = false })
		return
	}
	if err := cam.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to stop camera track")
	}
	if p.snap.Screen == nil {
		for _, target := range p.targets() {
			if err := target.RemoveLocalTrack(TrackKindVideo); err != nil {
				p.logger.Error().Err(err).Msg("failed to remove video track from peer")
			}
		}
	}
	p.publish(func(s *Snapshot) {
		s.Video = nil
		s.VideoEnabled = false
	})
}

// StartScreenShare acquires a display capture track and substitutes it for
// the outgoing video on every peer session. The share also stops itself
// when the capture source ends, e.g. via the system UI.
func (p *Publisher) StartScreenShare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snap.Screen != nil {
		return nil
	}
	screen, err := p.capturer.Screen(ctx)
	if err != nil {
		return &AcquireError{Device: "screen capture", Err: err}
	}
	screen.OnEnded(func() {
		p.logger.Debug().Msg("screen capture source ended")
		p.StopScreenShare()
	})

	for _, target := range p.targets() {
		if err = target.SubstituteVideo(screen); err != nil {
			p.logger.Error().Err(err).Msg("failed to substitute screen track on peer")
		}
	}
	p.publish(func(s *Snapshot) {
		s.Screen = screen
		s.ScreenSharing = true
	})
	return nil
}

// StopScreenShare releases the display capture and restores the camera
// track the same way it was substituted. Without a camera track the video
// slot is retracted instead. Idempotent.
func (p *Publisher) StopScreenShare() {
	p.mu.Lock()

	screen := p.snap.Screen
	if screen == nil {
		p.mu.Unlock()
		return
	}
	if err := screen.Close(); err != nil {
		p.logger.Error().Err(err).Msg("failed to stop screen track")
	}

	cam := p.snap.Video
	for _, target := range p.targets() {
		var err error
		if cam != nil {
			err = target.SubstituteVideo(cam)
		} else {
			err = target.RemoveLocalTrack(TrackKindVideo)
		}
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to restore video slot on peer")
		}
	}
	p.publish(func(s *Snapshot) {
		s.Screen = nil
		s.ScreenSharing = false
	})
	p.mu.Unlock()

	// announced outside the lock so the callback can call back in
	if p.onScreenStopped != nil {
		p.onScreenStopped()
	}
}

// Close releases every capture track.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range []Track{p.snap.Audio, p.snap.Video, p.snap.Screen} {
		if t != nil {
			_ = t.Close()
		}
	}
	p.publish(func(s *Snapshot) {
		s.Audio, s.Video, s.Screen = nil, nil, nil
		s.AudioEnabled, s.VideoEnabled, s.ScreenSharing = false, false, false
	})
}

// publish replaces the snapshot with a mutated copy and notifies
// subscribers. Called with mu held.
func (p *Publisher) publish(mutate func(s *Snapshot)) {
	next := p.snap
	mutate(&next)
	next.Version = p.snap.Version + 1
	p.snap = next
	for {
		select {
		case p.changes <- next:
			return
		default:
			// full buffer: evict the oldest pending snapshot
			select {
			case <-p.changes:
			default:
			}
		}
	}
}
