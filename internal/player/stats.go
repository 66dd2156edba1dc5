package player

// Stats is a point-in-time snapshot of playback health, suitable for
// JSON serialization on the observability API.
type Stats struct {
	State         string  `json:"state"` // "playing" or "paused"
	CurrentFrame  int     `json:"currentFrame"`
	BufferedAhead int     `json:"bufferedAhead"`
	CacheSize     int     `json:"cacheSize"`
	FramesDecoded int64   `json:"framesDecoded"`
	DroppedTicks  int64   `json:"droppedTicks"`
	Reseeks       int64   `json:"reseeks"`
	FPS           float64 `json:"fps"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	TotalFrames   int     `json:"totalFrames"`
	Duration      float64 `json:"duration"`
}

// Stats returns a snapshot of the player's counters and position.
func (p *Player) Stats() Stats {
	state := "paused"
	if p.playing.Load() {
		state = "playing"
	}
	cur := int(p.current.Load())
	return Stats{
		State:         state,
		CurrentFrame:  cur,
		BufferedAhead: p.frames.BufferedRunLength(cur, p.cfg.DecodeAhead),
		CacheSize:     p.frames.Len(),
		FramesDecoded: p.framesDecoded.Load(),
		DroppedTicks:  p.droppedTicks.Load(),
		Reseeks:       p.reseeks.Load(),
		FPS:           p.desc.FPS,
		Width:         p.desc.Width,
		Height:        p.desc.Height,
		TotalFrames:   p.desc.TotalFrames,
		Duration:      p.desc.Duration,
	}
}
