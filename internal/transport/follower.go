package transport

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/framelock/internal/media"
)

// Transport is the slice of the player the follower drives. Accepting
// an interface keeps the follower testable with a stub player.
type Transport interface {
	SyncToTimestamp(seconds float64)
	Play()
	Pause()
	IsPlaying() bool
	Update()
	CurrentFrame() *media.Frame
	FPS() float64
	Duration() float64
}

// Follower runs the render-tick side of clock integration: each tick it
// mirrors the transport's rolling state onto the player, pushes the
// clock-derived video position into the playhead, and consumes the read
// path the way a renderer would. With a nil clock it degrades to the
// player's wall-clock fallback timer.
type Follower struct {
	log      *slog.Logger
	clock    Clock
	player   Transport
	offsetMs float64
	interval time.Duration

	ticks     atomic.Int64
	nilFrames atomic.Int64
}

// NewFollower creates a follower ticking at the given interval
// (default 10ms). offsetMs delays the video relative to the clock.
func NewFollower(clock Clock, player Transport, offsetMs float64, interval time.Duration, log *slog.Logger) *Follower {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Follower{
		log:      log.With("component", "follower"),
		clock:    clock,
		player:   player,
		offsetMs: offsetMs,
		interval: interval,
	}
}

// Tick performs one integration step. Exposed for hosts that already
// own a render loop and want to call it at their own cadence.
func (f *Follower) Tick() {
	if f.clock != nil {
		rolling := f.clock.Rolling()
		if rolling && !f.player.IsPlaying() {
			f.player.Play()
		} else if !rolling && f.player.IsPlaying() {
			f.player.Pause()
		}

		vt := VideoTime(f.clock.Frame(), f.clock.SampleRate(), f.offsetMs, f.player.Duration(), f.player.FPS())
		f.player.SyncToTimestamp(vt)
	}
	f.player.Update()
}

// Run ticks until the context is cancelled, consuming one frame per
// tick from the read path and counting ticks that yielded no picture.
func (f *Follower) Run(ctx context.Context) error {
	t := time.NewTicker(f.interval)
	defer t.Stop()

	f.log.Info("follower running", "interval", f.interval, "offset_ms", f.offsetMs, "external_clock", f.clock != nil)
	for {
		select {
		case <-ctx.Done():
			f.log.Info("follower stopped", "ticks", f.ticks.Load(), "nil_frames", f.nilFrames.Load())
			return nil
		case <-t.C:
			f.Tick()
			if f.player.CurrentFrame() == nil {
				f.nilFrames.Add(1)
			}
			f.ticks.Add(1)
		}
	}
}
