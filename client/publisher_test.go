package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakeTrack struct {
	id   string
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	closed  bool
	onEnded func()
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(f func()) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

func (t *fakeTrack) fireEnded() {
	t.mu.Lock()
	f := t.onEnded
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

func (t *fakeTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type fakeCapturer struct {
	mu       sync.Mutex
	acquired []*fakeTrack
	seq      int

	micErr    error
	camErr    error
	screenErr error
}

func (c *fakeCapturer) acquire(prefix string, kind TrackKind, fail error) (Track, error) {
	if fail != nil {
		return nil, fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", prefix, c.seq), kind: kind, enabled: true}
	c.acquired = append(c.acquired, t)
	return t, nil
}

func (c *fakeCapturer) Microphone(context.Context) (Track, error) {
	return c.acquire("mic", TrackKindAudio, c.micErr)
}

func (c *fakeCapturer) Camera(context.Context) (Track, error) {
	return c.acquire("cam", TrackKindVideo, c.camErr)
}

func (c *fakeCapturer) Screen(context.Context) (Track, error) {
	return c.acquire("screen", TrackKindVideo, c.screenErr)
}

type fakeTarget struct {
	mu          sync.Mutex
	added       []Track
	removed     []TrackKind
	substituted []Track
}

func (f *fakeTarget) AddLocalTrack(t Track) error {
	f.mu.Lock()
	f.added = append(f.added, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) RemoveLocalTrack(kind TrackKind) error {
	f.mu.Lock()
	f.removed = append(f.removed, kind)
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) SubstituteVideo(t Track) error {
	f.mu.Lock()
	f.substituted = append(f.substituted, t)
	f.mu.Unlock()
	return nil
}

type publisherHarness struct {
	pub      *Publisher
	capturer *fakeCapturer
	target   *fakeTarget
	stops    int
}

func newPublisherHarness() *publisherHarness {
	h := &publisherHarness{
		capturer: &fakeCapturer{},
		target:   &fakeTarget{},
	}
	logger := zerolog.Nop()
	h.pub = NewPublisher(PublisherConfig{
		Capturer:        h.capturer,
		Targets:         func() []TrackTarget { return []TrackTarget{h.target} },
		OnScreenStopped: func() { h.stops++ },
		Logger:          &logger,
	})
	return h
}

func TestStartIsAllOrNothing(t *testing.T) {
	h := newPublisherHarness()
	h.capturer.camErr = errors.New("camera busy")

	err := h.pub.Start(context.Background(), true, true)
	var acquireErr *AcquireError
	if !errors.As(err, &acquireErr) || acquireErr.Device != "camera" {
		t.Fatalf("expected a camera acquire error, got %v", err)
	}

	// the already-acquired microphone must be released
	if len(h.capturer.acquired) != 1 || !h.capturer.acquired[0].Closed() {
		t.Fatalf("expected the microphone to be closed after abort: %s", spew.Sdump(h.capturer.acquired))
	}
	if snap := h.pub.Snapshot(); snap.Version != 0 {
		t.Fatalf("no snapshot must be published on failure, got: %s", spew.Sdump(snap))
	}
}

func TestStartPublishesInitialSnapshot(t *testing.T) {
	h := newPublisherHarness()

	if err := h.pub.Start(context.Background(), true, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := h.pub.Snapshot()
	if snap.Version != 1 || snap.Audio == nil || snap.Video == nil {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}
	if !snap.AudioEnabled || !snap.VideoEnabled || snap.ScreenSharing {
		t.Fatalf("unexpected flags: %s", spew.Sdump(snap))
	}

	select {
	case change := <-h.pub.Changes():
		if change.Version != 1 {
			t.Fatalf("expected change version 1, got %d", change.Version)
		}
	default:
		t.Fatal("expected a change notification")
	}
}

func TestAudioToggleMutesInPlace(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), true, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mic := h.pub.Snapshot().Audio.(*fakeTrack)

	h.pub.DisableAudio()
	if mic.Enabled() || mic.Closed() {
		t.Fatal("disable must mute the track in place, not close it")
	}
	if snap := h.pub.Snapshot(); snap.AudioEnabled {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}

	if err := h.pub.EnableAudio(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mic.Enabled() {
		t.Fatal("enable must unmute the same track")
	}
	if len(h.target.added) != 0 {
		t.Fatalf("mute toggling must not touch peer sessions: %s", spew.Sdump(h.target.added))
	}
}

func TestEnableAudioAcquiresWhenAbsent(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.pub.EnableAudio(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := h.pub.Snapshot()
	if snap.Audio == nil || !snap.AudioEnabled {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}
	if len(h.target.added) != 1 || h.target.added[0].Kind() != TrackKindAudio {
		t.Fatalf("expected the new audio track on the peer session: %s", spew.Sdump(h.target.added))
	}
}

func TestVideoDisableStopsTrackEnableAcquiresFresh(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), false, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cam := h.pub.Snapshot().Video.(*fakeTrack)

	h.pub.DisableVideo()
	if !cam.Closed() {
		t.Fatal("disabling video must stop the capture track")
	}
	if len(h.target.removed) != 1 || h.target.removed[0] != TrackKindVideo {
		t.Fatalf("expected the video slot to be retracted: %s", spew.Sdump(h.target.removed))
	}
	if snap := h.pub.Snapshot(); snap.Video != nil || snap.VideoEnabled {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}

	if err := h.pub.EnableVideo(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh := h.pub.Snapshot().Video.(*fakeTrack)
	if fresh == cam {
		t.Fatal("re-enabling must acquire a fresh camera track")
	}
	if len(h.target.added) != 1 || h.target.added[0] != Track(fresh) {
		t.Fatalf("expected the fresh track on the peer session: %s", spew.Sdump(h.target.added))
	}
}

func TestScreenShareSubstitutesAndRestoresCamera(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), false, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cam := h.pub.Snapshot().Video

	if err := h.pub.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := h.pub.Snapshot()
	if !snap.ScreenSharing || snap.Screen == nil {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}
	if len(h.target.substituted) != 1 || h.target.substituted[0] != snap.Screen {
		t.Fatalf("expected the screen track to take the video slot: %s", spew.Sdump(h.target.substituted))
	}

	screen := snap.Screen.(*fakeTrack)
	h.pub.StopScreenShare()
	if !screen.Closed() {
		t.Fatal("stopping must close the screen track")
	}
	if len(h.target.substituted) != 2 || h.target.substituted[1] != cam {
		t.Fatalf("expected the camera to take the slot back: %s", spew.Sdump(h.target.substituted))
	}
	if h.stops != 1 {
		t.Fatalf("expected exactly one stop announcement, got %d", h.stops)
	}

	h.pub.StopScreenShare()
	if h.stops != 1 {
		t.Fatal("repeated stop must be a no-op")
	}
}

func TestScreenShareWithoutCameraRetractsSlot(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.pub.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.pub.StopScreenShare()

	if len(h.target.removed) != 1 || h.target.removed[0] != TrackKindVideo {
		t.Fatalf("without a camera the slot must be retracted: %s", spew.Sdump(h.target.removed))
	}
}

func TestScreenShareAutoStopsWhenSourceEnds(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), false, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.pub.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	screen := h.pub.Snapshot().Screen.(*fakeTrack)

	// e.g. the user stops the capture via system UI
	screen.fireEnded()

	snap := h.pub.Snapshot()
	if snap.ScreenSharing || snap.Screen != nil {
		t.Fatalf("expected the share to stop itself: %s", spew.Sdump(snap))
	}
	if h.stops != 1 {
		t.Fatalf("expected the stop to be announced, got %d", h.stops)
	}
}

func TestEnableVideoDuringScreenShareDefersSlot(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.pub.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.pub.EnableVideo(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.target.added) != 0 {
		t.Fatalf("the camera must not displace an active share: %s", spew.Sdump(h.target.added))
	}
	snap := h.pub.Snapshot()
	if snap.Video == nil || !snap.VideoEnabled || !snap.ScreenSharing {
		t.Fatalf("unexpected snapshot: %s", spew.Sdump(snap))
	}

	// when the share stops the camera takes the slot
	h.pub.StopScreenShare()
	last := h.target.substituted[len(h.target.substituted)-1]
	if last != snap.Video {
		t.Fatalf("expected the camera in the slot after the share: %s", spew.Sdump(h.target.substituted))
	}
}

func TestSnapshotVersionsAreMonotonic(t *testing.T) {
	h := newPublisherHarness()
	if err := h.pub.Start(context.Background(), true, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prev := h.pub.Snapshot().Version
	h.pub.DisableAudio()
	h.pub.DisableVideo()
	if err := h.pub.EnableVideo(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		change := <-h.pub.Changes()
		if change.Version <= prev && i > 0 {
			t.Fatalf("versions must increase, got %d after %d", change.Version, prev)
		}
		prev = change.Version
	}
	if got := h.pub.Snapshot().Version; got != 4 {
		t.Fatalf("expected version 4 after four mutations, got %d", got)
	}
}
