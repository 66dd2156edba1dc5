// Package transport integrates an external transport clock with the
// player: it maps the clock's sample-frame counter to a video position,
// applies the configured sync offset, follows the transport's rolling
// state, and falls back to wall-clock advancement when no fresh clock
// data is available.
package transport

import (
	"math"
	"time"
)

// Clock is the external transport time source. Implementations must be
// queryable at any time from any goroutine: Frame increases
// monotonically while rolling and holds still while stopped. The player
// consumes this contract; it never produces it.
type Clock interface {
	Rolling() bool
	Frame() uint64
	SampleRate() uint32
}

// VideoTime maps a transport position to a video position in seconds:
// the clock time is clamped to the media duration, shifted by the sync
// offset (positive offsets delay the video), wrapped when the shift
// goes negative, and pulled one frame inside the end when it overruns.
func VideoTime(clockFrame uint64, sampleRate uint32, offsetMs, duration, fps float64) float64 {
	if sampleRate == 0 || duration <= 0 {
		return 0
	}
	ct := float64(clockFrame) / float64(sampleRate)
	if ct < 0 {
		ct = 0
	}
	if ct > duration {
		ct = duration
	}
	vt := ct - offsetMs/1000
	if vt < 0 {
		vt = math.Mod(vt, duration) + duration
		vt = math.Mod(vt, duration)
	}
	if vt > duration && fps > 0 {
		vt = duration - 1/fps
	}
	return vt
}

// FreeRunClock is a built-in always-rolling clock driven by the wall
// clock at a fixed sample rate. It lets the daemon run standalone;
// hosts with a real transport (JACK, LTC, word clock) implement Clock
// against it instead.
type FreeRunClock struct {
	start time.Time
	rate  uint32
}

// NewFreeRunClock starts a free-running clock at the given sample rate.
func NewFreeRunClock(sampleRate uint32) *FreeRunClock {
	if sampleRate == 0 {
		sampleRate = 48000
	}
	return &FreeRunClock{start: time.Now(), rate: sampleRate}
}

// Rolling always reports true.
func (c *FreeRunClock) Rolling() bool { return true }

// Frame returns the sample frames elapsed since the clock started.
func (c *FreeRunClock) Frame() uint64 {
	return uint64(time.Since(c.start).Seconds() * float64(c.rate))
}

// SampleRate returns the configured sample rate.
func (c *FreeRunClock) SampleRate() uint32 { return c.rate }
