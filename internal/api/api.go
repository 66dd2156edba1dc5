// Package api exposes playback health over HTTP: a JSON status
// endpoint for tooling, a plain-text metrics endpoint for scrapers, and
// a health check.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zsiec/framelock/internal/player"
)

func formatMetric(key string, value int64, nowUnix int64) string {
	return key + " " + strconv.FormatInt(value, 10) + " " +
		strconv.FormatInt(nowUnix, 10) + "\n"
}

// Handler builds the observability mux around a stats snapshot
// function, usually player.Stats.
func Handler(stats func() player.Stats, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{stats: stats, log: log.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", h.onStatus)
	mux.HandleFunc("/metrics", h.onMetrics)
	mux.HandleFunc("/healthz", h.onHealth)
	return mux
}

type handler struct {
	stats func() player.Stats
	log   *slog.Logger
}

func (h *handler) onStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats()); err != nil {
		h.log.Warn("encoding status", "error", err)
	}
}

func (h *handler) onMetrics(w http.ResponseWriter, r *http.Request) {
	s := h.stats()
	now := time.Now().Unix()
	playing := int64(0)
	if s.State == "playing" {
		playing = 1
	}

	w.Header().Set("Content-Type", "text/plain")
	out := formatMetric("framelock_current_frame", int64(s.CurrentFrame), now)
	out += formatMetric("framelock_buffered_ahead", int64(s.BufferedAhead), now)
	out += formatMetric("framelock_cache_size", int64(s.CacheSize), now)
	out += formatMetric("framelock_frames_decoded", s.FramesDecoded, now)
	out += formatMetric("framelock_dropped_ticks", s.DroppedTicks, now)
	out += formatMetric("framelock_reseeks", s.Reseeks, now)
	out += formatMetric("framelock_playing", playing, now)
	_, _ = w.Write([]byte(out))
}

func (h *handler) onHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
