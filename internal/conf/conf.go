// Package conf holds the daemon configuration, loaded from a YAML file
// with deployment-style search paths and overridable by environment
// variables for the fields that vary per host.
package conf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Conf is the daemon configuration.
type Conf struct {
	// VideoPath is the media file to load.
	VideoPath string `yaml:"videoPath"`

	// Decoder optionally names an FFmpeg decoder (e.g. h264_vaapi);
	// empty selects the stream's default software decoder.
	Decoder string `yaml:"decoder"`

	// SyncOffsetMs delays the video relative to the transport clock;
	// negative values advance it.
	SyncOffsetMs float64 `yaml:"syncOffsetMs"`

	// APIAddress is the listen address of the observability server.
	APIAddress string `yaml:"apiAddress"`

	// SampleRate is the built-in clock's sample rate, used when no
	// external transport clock is wired in.
	SampleRate uint32 `yaml:"sampleRate"`

	// RenderTickMs is the follower tick interval.
	RenderTickMs int `yaml:"renderTickMs"`

	CacheCapacity int `yaml:"cacheCapacity"`
	PreloadFrames int `yaml:"preloadFrames"`
	DecodeAhead   int `yaml:"decodeAhead"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// searchPaths is the lookup order when no explicit path is given,
// system install first, then the parent and current directories.
var searchPaths = []string{
	"/var/lib/framelock/framelock.yml",
	"../framelock.yml",
	"framelock.yml",
}

func firstThatExists(paths []string) string {
	for _, pa := range paths {
		if _, err := os.Stat(pa); err == nil {
			return pa
		}
	}
	return ""
}

// Load reads the configuration from path, or from the first search
// path that exists when path is empty. When path is empty and no search
// path exists, the defaults are returned; an explicit path that cannot
// be read is an error. The resolved path is returned for logging (""
// when defaults only).
func Load(path string) (*Conf, string, error) {
	c := defaults()

	if path == "" {
		path = firstThatExists(searchPaths)
		if path == "" {
			return c, "", nil
		}
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return nil, "", fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return c, path, nil
}

func defaults() *Conf {
	return &Conf{
		APIAddress:    ":9447",
		SampleRate:    48000,
		RenderTickMs:  10,
		CacheCapacity: 300,
		PreloadFrames: 150,
		DecodeAhead:   150,
		LogLevel:      "info",
	}
}

func (c *Conf) validate() error {
	if c.CacheCapacity < 0 || c.PreloadFrames < 0 || c.DecodeAhead < 0 {
		return fmt.Errorf("cacheCapacity, preloadFrames, and decodeAhead must not be negative")
	}
	if c.RenderTickMs < 0 {
		return fmt.Errorf("renderTickMs must not be negative")
	}
	if c.CacheCapacity > 0 && c.PreloadFrames > c.CacheCapacity {
		return fmt.Errorf("preloadFrames (%d) exceeds cacheCapacity (%d)", c.PreloadFrames, c.CacheCapacity)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	return nil
}
