package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrMediaUnavailable = errors.New("camera/microphone unavailable")
	ErrMediaDenied      = errors.New("media access denied")
)

// MediaSource abstracts local device access so the negotiation engine never
// touches a host environment directly. EnsureUsable is the capability check
// run before any persistence or signaling happens on a call attempt. A
// capture-backed implementation must consult AudioEnabled on the LocalMedia
// it hands out before writing each audio sample: mute is a local gate, not
// a track removal, and ignoring the flag leaks audio while the user
// believes they are muted.
type MediaSource interface {
	EnsureUsable() error
	Acquire(ctx context.Context) (*LocalMedia, error)
}

// LocalMedia is one acquired audio+video track pair. It is owned by the
// negotiation session for exactly one call and released on every teardown
// path. Mute is local-only: ToggleAudio flips the flag without
// renegotiation, and the source feeding Audio must check AudioEnabled
// before each write so a muted track goes silent on the wire.
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	mu      sync.Mutex
	audioOn bool
	closed  bool
	release func()
}

func NewLocalMedia(audio, video webrtc.TrackLocal, release func()) *LocalMedia {
	return &LocalMedia{Audio: audio, Video: video, audioOn: true, release: release}
}

// ToggleAudio flips the local audio track. Returns the new muted state.
func (m *LocalMedia) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = !m.audioOn
	return !m.audioOn
}

func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn && !m.closed
}

// Close stops the underlying tracks. Idempotent.
func (m *LocalMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.release != nil {
		m.release()
	}
}

// StaticSource produces sample tracks with no capture pipeline behind them.
// It serves headless deployments and tests, where negotiating a transceiver
// layout matters but actual frames do not.
type StaticSource struct{}

func (StaticSource) EnsureUsable() error { return nil }

func (StaticSource) Acquire(_ context.Context) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "parley")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "parley")
	if err != nil {
		return nil, err
	}
	return NewLocalMedia(audio, video, nil), nil
}

// UnavailableSource models an insecure context or missing devices: the
// capability check fails before a call attempt reaches persistence.
type UnavailableSource struct{ Err error }

func (s UnavailableSource) EnsureUsable() error {
	if s.Err != nil {
		return s.Err
	}
	return ErrMediaUnavailable
}

func (s UnavailableSource) Acquire(context.Context) (*LocalMedia, error) {
	return nil, s.EnsureUsable()
}
