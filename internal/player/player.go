// Package player implements the externally-clocked playback core: an
// atomic playhead written by clock integration, a background decode
// scheduler that keeps a bounded frame cache filled ahead of it, and a
// synchronous read path that holds the last valid picture through
// underruns instead of blanking.
package player

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framelock/internal/cache"
	"github.com/zsiec/framelock/internal/decode"
	"github.com/zsiec/framelock/internal/media"
)

// Decoder is the subset of decode.Gateway the scheduler drives.
// Accepting an interface here decouples the scheduling policy from
// FFmpeg, making it testable with a stub decoder.
type Decoder interface {
	SeekToFrame(idx int) error
	DecodeNext() (int, *media.Frame, bool)
	Close()
}

var _ Decoder = (*decode.Gateway)(nil)

// Config bounds the cache and the decode scheduler. Zero fields take
// the defaults.
type Config struct {
	CacheCapacity int // decoded frames held at most (default 300)
	PreloadFrames int // frames decoded synchronously at load (default 150)
	DecodeAhead   int // frames kept ahead of the playhead while playing (default 150)
}

const (
	defaultCacheCapacity = 300
	defaultPreloadFrames = 150
	defaultDecodeAhead   = 150

	// pausedLookAhead keeps a short cushion around the playhead while
	// the transport is stopped, enough for scrubbing to feel instant.
	pausedLookAhead = 20

	// reseekSlack is how far the playhead may run away from the decode
	// cursor before sequential decoding is abandoned for a seek. The
	// way-ahead bound adds the look-ahead on top so a decoder slightly
	// past the window keeps its progress.
	reseekSlack = 50

	// syncStaleness is how long an external sync remains authoritative
	// before the wall-clock fallback timer takes over.
	syncStaleness = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = defaultCacheCapacity
	}
	if c.PreloadFrames <= 0 {
		c.PreloadFrames = defaultPreloadFrames
	}
	if c.DecodeAhead <= 0 {
		c.DecodeAhead = defaultDecodeAhead
	}
	return c
}

// Player is the playback core for one loaded media file. One render
// thread drives Sync/Seek/Update/CurrentFrame; one background goroutine
// owns the decoder. All cross-thread state is atomic or cache-guarded.
type Player struct {
	log  *slog.Logger
	cfg  Config
	desc media.Descriptor

	dec    Decoder
	frames *cache.Cache

	current      atomic.Int64
	playing      atomic.Bool
	externalSync atomic.Bool
	loaded       atomic.Bool

	// Read-path state, touched only by the render thread.
	readMu    sync.Mutex
	lastValid int
	lastFrame *media.Frame

	// Fallback-timer state.
	timeMu   sync.Mutex
	lastSync time.Time
	lastTick time.Time

	framesDecoded atomic.Int64
	droppedTicks  atomic.Int64
	reseeks       atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Load opens the media file at path and returns a running player:
// the first PreloadFrames frames are decoded synchronously so playback
// starts without underrun, then the background scheduler takes over.
// decoderName optionally forces a named FFmpeg decoder.
func Load(path, decoderName string, cfg Config, log *slog.Logger) (*Player, error) {
	gw, err := decode.Open(path, decoderName, log)
	if err != nil {
		return nil, err
	}
	return New(gw, gw.Descriptor(), cfg, log)
}

// New assembles a player around an already-open decoder. Preload runs
// on the calling goroutine before the decode goroutine is spawned, so
// the decoder needs no locking beyond its own.
func New(dec Decoder, desc media.Descriptor, cfg Config, log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	if desc.TotalFrames <= 0 {
		desc.TotalFrames = 1
	}

	p := &Player{
		log:       log.With("component", "player"),
		cfg:       cfg,
		desc:      desc,
		dec:       dec,
		frames:    cache.New(cfg.CacheCapacity, desc.TotalFrames),
		lastValid: -1,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	preloaded := p.preload()
	p.loaded.Store(true)

	go p.decodeLoop(preloaded)
	return p, nil
}

// preload decodes the head of the file into the cache and returns the
// next index the background scheduler should produce.
func (p *Player) preload() int {
	n := p.cfg.PreloadFrames
	if n > p.desc.TotalFrames {
		n = p.desc.TotalFrames
	}
	if err := p.dec.SeekToFrame(0); err != nil {
		return 0
	}
	for i := 0; i < n; i++ {
		_, f, ok := p.dec.DecodeNext()
		if !ok {
			p.log.Warn("preload ended early", "frames", i)
			return i
		}
		p.frames.Insert(i, f)
		p.framesDecoded.Add(1)
		if (i+1)%100 == 0 {
			p.log.Debug("preloading", "frames", i+1)
		}
	}
	p.log.Info("preload complete", "frames", n)
	return n
}

// decodeLoop is the background scheduler. It owns the decode cursor:
// each iteration decides whether to reseek, to step sequentially, or to
// sleep, based on the circular distance between cursor and playhead.
func (p *Player) decodeLoop(pos int) {
	defer close(p.done)

	total := p.desc.TotalFrames
	needSeek := pos >= total // preload may have consumed the whole file
	pos = media.WrapIndex(pos, total)

	for {
		if p.stopped() {
			return
		}

		playback := int(p.current.Load())
		lookAhead := pausedLookAhead
		if p.playing.Load() {
			lookAhead = p.cfg.DecodeAhead
		}

		// Sequential decoding beats per-frame seeking by an order of
		// magnitude, so only give up on the current position when the
		// playhead has truly escaped: far ahead of the cursor, or so
		// far behind that the cursor is useless.
		dist := media.Distance(pos, playback, total)
		if dist > reseekSlack || dist < -(lookAhead+reseekSlack) {
			pos = playback
			needSeek = true
			p.reseeks.Add(1)
			p.log.Debug("playhead escaped, reseeking", "playhead", playback, "distance", dist)
		}

		if p.frames.BufferedRunLength(playback, lookAhead) >= lookAhead {
			p.sleep(10 * time.Millisecond)
			continue
		}

		if p.frames.Get(pos) != nil {
			next := media.WrapIndex(pos+1, total)
			if next < pos {
				needSeek = true
			}
			pos = next
			continue
		}

		if p.stopped() {
			return
		}
		if needSeek {
			if err := p.dec.SeekToFrame(pos); err != nil {
				p.sleep(time.Millisecond)
				continue
			}
			needSeek = false
		}

		produced, f, ok := p.dec.DecodeNext()
		if !ok {
			// EOF or a decode error: restart from the top of the file.
			pos = 0
			needSeek = true
			p.sleep(5 * time.Millisecond)
			continue
		}
		if produced >= 0 && produced != pos {
			// An imprecise seek delivers a nearby picture first; the
			// sequential stream corrects itself on the next frame.
			p.log.Debug("frame index mismatch", "want", pos, "got", produced)
		}

		p.frames.Insert(pos, f)
		p.frames.EvictToCapacity(playback)
		p.framesDecoded.Add(1)

		next := media.WrapIndex(pos+1, total)
		if next < pos {
			needSeek = true
		}
		pos = next
	}
}

func (p *Player) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// sleep pauses the decode loop while staying responsive to shutdown.
func (p *Player) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stop:
	case <-t.C:
	}
}

// CurrentFrame returns the picture for the current playhead position.
// On a cache miss it falls back to the last frame it ever returned, so
// once a picture has been shown the output never goes blank; misses are
// still counted as dropped ticks. Returns nil only before the first hit
// or after Close.
func (p *Player) CurrentFrame() *media.Frame {
	if !p.loaded.Load() {
		return nil
	}
	req := int(p.current.Load())

	p.readMu.Lock()
	defer p.readMu.Unlock()

	if f := p.frames.Get(req); f != nil {
		p.lastValid = req
		p.lastFrame = f
		return f
	}
	p.droppedTicks.Add(1)
	if p.lastValid >= 0 {
		if f := p.frames.Get(p.lastValid); f != nil {
			p.lastFrame = f
			return f
		}
	}
	return p.lastFrame
}

// Play starts playback. No-op until loaded.
func (p *Player) Play() {
	if !p.loaded.Load() {
		return
	}
	if !p.playing.Swap(true) {
		p.timeMu.Lock()
		p.lastTick = time.Now()
		p.timeMu.Unlock()
		p.log.Debug("playing")
	}
}

// Pause stops playback, keeping the playhead where it is.
func (p *Player) Pause() {
	if p.playing.Swap(false) {
		p.log.Debug("paused")
	}
}

// Stop pauses playback and rewinds the playhead to the first frame.
func (p *Player) Stop() {
	p.playing.Store(false)
	p.current.Store(0)
	p.log.Debug("stopped")
}

// Seek moves the playhead to the given position in seconds, wrapping at
// the file duration. Play/pause state is unchanged.
func (p *Player) Seek(seconds float64) {
	if !p.loaded.Load() {
		return
	}
	target := p.targetFrame(seconds)
	p.current.Store(int64(target))
	p.timeMu.Lock()
	p.lastTick = time.Now()
	p.timeMu.Unlock()
}

// SyncToTimestamp drives the playhead from the external transport
// clock. It is the primary clock input: while syncs arrive fresher than
// the staleness window, Update is a no-op. Allowed in any loaded state
// so scrubbing works while paused.
func (p *Player) SyncToTimestamp(seconds float64) {
	if !p.loaded.Load() {
		return
	}
	target := p.targetFrame(seconds)
	p.current.Store(int64(target))
	p.externalSync.Store(true)
	now := time.Now()
	p.timeMu.Lock()
	p.lastSync = now
	p.lastTick = now
	p.timeMu.Unlock()
}

// targetFrame maps seconds (any real value) to a clamped frame index,
// wrapping into [0, duration) first.
func (p *Player) targetFrame(seconds float64) int {
	if p.desc.Duration > 0 {
		seconds = math.Mod(seconds, p.desc.Duration)
		if seconds < 0 {
			seconds += p.desc.Duration
		}
	}
	target := int(seconds * p.desc.FPS)
	if target >= p.desc.TotalFrames {
		target = p.desc.TotalFrames - 1
	}
	if target < 0 {
		target = 0
	}
	return target
}

// Update advances the playhead from the wall clock: one frame per
// elapsed frame period, wrapping at the end of the file. It is the
// fallback for hosts without an external clock and for gaps in the sync
// feed; while external syncs are fresh it does nothing.
func (p *Player) Update() {
	p.update(time.Now())
}

func (p *Player) update(now time.Time) {
	if !p.loaded.Load() || !p.playing.Load() {
		return
	}

	p.timeMu.Lock()
	defer p.timeMu.Unlock()

	if p.externalSync.Load() && now.Sub(p.lastSync) <= syncStaleness {
		p.lastTick = now
		return
	}

	frameDur := time.Duration(float64(time.Second) / p.desc.FPS)
	if frameDur <= 0 {
		return
	}
	if p.lastTick.IsZero() {
		p.lastTick = now
		return
	}

	for now.Sub(p.lastTick) >= frameDur {
		next := media.WrapIndex(int(p.current.Load())+1, p.desc.TotalFrames)
		p.current.Store(int64(next))
		p.lastTick = p.lastTick.Add(frameDur)
	}
}

// BufferedFrameCount reports how many consecutive frames starting at
// start are cached, up to max.
func (p *Player) BufferedFrameCount(start, max int) int {
	return p.frames.BufferedRunLength(start, max)
}

// CurrentFrameIndex returns the playhead position.
func (p *Player) CurrentFrameIndex() int {
	return int(p.current.Load())
}

// FPS returns the media frame rate.
func (p *Player) FPS() float64 { return p.desc.FPS }

// Duration returns the media duration in seconds.
func (p *Player) Duration() float64 { return p.desc.Duration }

// Width returns the frame width in pixels.
func (p *Player) Width() int { return p.desc.Width }

// Height returns the frame height in pixels.
func (p *Player) Height() int { return p.desc.Height }

// FrameCount returns the indexable frame count.
func (p *Player) FrameCount() int { return p.desc.TotalFrames }

// IsPlaying reports whether the playhead is advancing.
func (p *Player) IsPlaying() bool { return p.playing.Load() }

// IsLoaded reports whether media is loaded and the scheduler running.
func (p *Player) IsLoaded() bool { return p.loaded.Load() }

// Close shuts the player down: it signals the decode goroutine, waits
// for it to exit, then releases the decoder contexts and drops the read
// path's held frame, in that order. The cache is not cleared; its
// entries stay referenced by the Player. Safe to call more than once.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		p.dec.Close()
		p.loaded.Store(false)
		p.readMu.Lock()
		p.lastFrame = nil
		p.lastValid = -1
		p.readMu.Unlock()
		p.log.Info("player closed",
			"frames_decoded", p.framesDecoded.Load(),
			"dropped_ticks", p.droppedTicks.Load(),
			"reseeks", p.reseeks.Load(),
		)
	})
}
