// Package decode wraps the FFmpeg demuxer, decoder, and scaler behind a
// single-threaded gateway. The underlying contexts are not reentrant,
// so every operation is serialized by an internal mutex and runtime
// decode errors never escape: they are logged and reported as a missing
// frame, leaving the caller to reseek and continue.
package decode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/framelock/internal/media"
)

func init() {
	// FFmpeg is chatty on perfectly decodable files.
	astiav.SetLogLevel(astiav.LogLevelError)
}

// Load failure kinds. Load errors are the only decoder errors that
// reach the caller; everything after open self-heals via reseek.
var (
	ErrOpenFailed       = errors.New("open failed")
	ErrNoVideoStream    = errors.New("no video stream")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrSetupFailed      = errors.New("setup failed")
)

const fallbackFPS = 25.0

// Gateway owns one media file's demux, decode, and RGB24 conversion
// state. At most one goroutine may be inside any method at a time; the
// gateway enforces that itself.
type Gateway struct {
	log *slog.Logger

	mu     sync.Mutex
	fc     *astiav.FormatContext
	cc     *astiav.CodecContext
	ssc    *astiav.SoftwareScaleContext
	src    *astiav.Frame
	dst    *astiav.Frame
	pkt    *astiav.Packet
	stream *astiav.Stream
	desc   media.Descriptor
	closed bool
}

// Open opens the media file at path, locates its first video stream,
// and prepares decoding to RGB24. decoderName optionally forces a named
// FFmpeg decoder (e.g. a hardware one); if it cannot be initialized the
// gateway falls back to the stream's default software decoder.
func Open(path, decoderName string, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{log: log.With("component", "decoder")}

	g.fc = astiav.AllocFormatContext()
	if g.fc == nil {
		return nil, fmt.Errorf("%w: allocating format context", ErrSetupFailed)
	}
	if err := g.fc.OpenInput(path, nil, nil); err != nil {
		g.fc.Free()
		return nil, fmt.Errorf("%w: %s: %s", ErrOpenFailed, path, err)
	}
	if err := g.fc.FindStreamInfo(nil); err != nil {
		g.close()
		return nil, fmt.Errorf("%w: stream info: %s", ErrOpenFailed, err)
	}

	for _, s := range g.fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			g.stream = s
			break
		}
	}
	if g.stream == nil {
		g.close()
		return nil, ErrNoVideoStream
	}

	if err := g.openDecoder(decoderName); err != nil {
		g.close()
		return nil, err
	}

	params := g.stream.CodecParameters()
	w, h := params.Width(), params.Height()

	fps := g.stream.AvgFrameRate().Float64()
	if fps <= 0 || math.IsNaN(fps) {
		fps = fallbackFPS
	}
	duration := float64(g.fc.Duration()) / float64(astiav.TimeBase)
	if duration < 0 {
		duration = 0
	}

	if err := g.openScaler(w, h); err != nil {
		g.close()
		return nil, err
	}

	g.src = astiav.AllocFrame()
	g.pkt = astiav.AllocPacket()

	g.desc = media.Descriptor{
		Width:       w,
		Height:      h,
		FPS:         fps,
		Duration:    duration,
		TotalFrames: int(duration * fps),
		PixelFormat: g.cc.PixelFormat().String(),
		TimeBase:    g.stream.TimeBase().Float64(),
	}

	g.log.Info("media opened",
		"path", path,
		"size", fmt.Sprintf("%dx%d", w, h),
		"fps", fps,
		"duration", duration,
		"frames", g.desc.TotalFrames,
		"pixel_format", g.desc.PixelFormat,
	)
	return g, nil
}

// openDecoder opens the codec context, preferring a named decoder when
// one is configured and it matches the stream's codec.
func (g *Gateway) openDecoder(decoderName string) error {
	params := g.stream.CodecParameters()

	var preferred *astiav.Codec
	if decoderName != "" {
		preferred = astiav.FindDecoderByName(decoderName)
		switch {
		case preferred == nil:
			g.log.Warn("configured decoder not found, using default", "decoder", decoderName)
		case preferred.ID() != params.CodecID():
			g.log.Warn("configured decoder does not match stream codec, using default",
				"decoder", decoderName, "codec", params.CodecID().Name())
			preferred = nil
		}
	}

	if preferred != nil {
		if err := g.tryOpenDecoder(preferred); err == nil {
			return nil
		}
		g.log.Warn("configured decoder failed to open, falling back to software",
			"decoder", preferred.Name())
	}

	codec := astiav.FindDecoder(params.CodecID())
	if codec == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, params.CodecID().Name())
	}
	if err := g.tryOpenDecoder(codec); err != nil {
		return fmt.Errorf("%w: opening %s: %s", ErrUnsupportedCodec, codec.Name(), err)
	}
	return nil
}

func (g *Gateway) tryOpenDecoder(codec *astiav.Codec) error {
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return fmt.Errorf("%w: allocating codec context", ErrSetupFailed)
	}
	if err := g.stream.CodecParameters().ToCodecContext(cc); err != nil {
		cc.Free()
		return fmt.Errorf("%w: codec parameters: %s", ErrSetupFailed, err)
	}
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return err
	}
	g.cc = cc
	return nil
}

func (g *Gateway) openScaler(w, h int) error {
	ssc, err := astiav.CreateSoftwareScaleContext(
		w, h, g.cc.PixelFormat(),
		w, h, astiav.PixelFormatRgb24,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return fmt.Errorf("%w: scaler %s -> rgb24: %s", ErrSetupFailed, g.cc.PixelFormat(), err)
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(astiav.PixelFormatRgb24)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("%w: rgb buffer: %s", ErrSetupFailed, err)
	}

	g.ssc = ssc
	g.dst = dst
	return nil
}

// Descriptor returns the immutable description of the opened media.
func (g *Gateway) Descriptor() media.Descriptor {
	return g.desc
}

// SeekToFrame positions the demuxer at the nearest keyframe at or
// before the given frame index and flushes the codec's buffered
// pictures. Safe to call at any point, including before the first read.
func (g *Gateway) SeekToFrame(idx int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}

	ts := int64(float64(idx) / g.desc.FPS * float64(astiav.TimeBase))
	if err := g.fc.SeekFrame(-1, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		g.log.Warn("seek failed", "frame", idx, "error", err)
		return err
	}
	g.cc.FlushBuffers()
	return nil
}

// DecodeNext reads packets until exactly one picture is decoded,
// converts it to RGB24, and returns it with its best-effort frame index
// (-1 when the stream carries no usable timestamps). ok is false at EOF,
// on decode errors, and when no picture appears within a bounded number
// of packets; the caller is expected to reseek and retry.
func (g *Gateway) DecodeNext() (int, *media.Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, nil, false
	}

	// A healthy stream yields a picture well within two seconds' worth
	// of packets; anything longer means we are stuck and should let the
	// scheduler reseek.
	maxPackets := int(2 * g.desc.FPS)
	if maxPackets < 50 {
		maxPackets = 50
	}

	for read := 0; read <= maxPackets; {
		err := g.cc.ReceiveFrame(g.src)
		if err == nil {
			return g.deliver()
		}
		if !errors.Is(err, astiav.ErrEagain) && !errors.Is(err, astiav.ErrEof) {
			g.log.Warn("receive frame failed", "error", err)
			return 0, nil, false
		}

		if err := g.fc.ReadFrame(g.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, io.EOF) {
				return g.drainEOF()
			}
			g.log.Warn("read packet failed", "error", err)
			return 0, nil, false
		}
		if g.pkt.StreamIndex() != g.stream.Index() {
			g.pkt.Unref()
			continue
		}
		read++
		err = g.cc.SendPacket(g.pkt)
		g.pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			g.log.Warn("send packet failed", "error", err)
			return 0, nil, false
		}
	}
	g.log.Warn("no picture produced within packet budget", "packets", maxPackets)
	return 0, nil, false
}

// drainEOF flushes the decoder once the demuxer is exhausted, returning
// the last buffered picture if one remains.
func (g *Gateway) drainEOF() (int, *media.Frame, bool) {
	if err := g.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return 0, nil, false
	}
	if err := g.cc.ReceiveFrame(g.src); err != nil {
		return 0, nil, false
	}
	return g.deliver()
}

// deliver converts the picture in g.src to RGB24. Called with g.mu held
// and a decoded picture pending.
func (g *Gateway) deliver() (int, *media.Frame, bool) {
	defer g.src.Unref()

	if err := g.ssc.ScaleFrame(g.src, g.dst); err != nil {
		g.log.Warn("scale failed", "error", err)
		return 0, nil, false
	}
	n, err := g.dst.ImageBufferSize(1)
	if err != nil {
		g.log.Warn("image buffer size failed", "error", err)
		return 0, nil, false
	}
	buf := make([]byte, n)
	if _, err := g.dst.ImageCopyToBuffer(buf, 1); err != nil {
		g.log.Warn("image copy failed", "error", err)
		return 0, nil, false
	}

	f := &media.Frame{
		Width:  g.desc.Width,
		Height: g.desc.Height,
		Stride: g.desc.Width * 3,
		Data:   buf,
	}
	return g.frameIndex(), f, true
}

// frameIndex derives the absolute frame index of the picture in g.src
// from its best-effort timestamp in the stream time base.
func (g *Gateway) frameIndex() int {
	pts := g.src.Pts()
	if pts == astiav.NoPtsValue {
		pts = g.src.PktDts()
	}
	if pts == astiav.NoPtsValue {
		return -1
	}
	return int(math.Round(float64(pts) * g.desc.TimeBase * g.desc.FPS))
}

// Flush drops any pictures buffered inside the codec.
func (g *Gateway) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.cc.FlushBuffers()
	}
}

// Close releases all FFmpeg state. The gateway must not be used after
// Close returns.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.close()
}

func (g *Gateway) close() {
	if g.closed {
		return
	}
	g.closed = true
	if g.pkt != nil {
		g.pkt.Free()
	}
	if g.src != nil {
		g.src.Free()
	}
	if g.dst != nil {
		g.dst.Free()
	}
	if g.ssc != nil {
		g.ssc.Free()
	}
	if g.cc != nil {
		g.cc.Free()
	}
	if g.fc != nil {
		g.fc.CloseInput()
		g.fc.Free()
	}
}
