package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	oggPageTick   = 20 * time.Millisecond
)

// opusFrameLevel estimates loudness from the encoded frame size. Opus
// frames shrink to a few bytes on silence, so the size tracks activity
// without decoding.
func opusFrameLevel(payload []byte) float64 {
	const silent, loud = 8, 160
	n := len(payload)
	switch {
	case n <= silent:
		return 0
	case n >= loud:
		return 1
	}
	return float64(n-silent) / float64(loud-silent)
}

// OggCapture plays an Ogg/Opus file in a loop as the microphone.
type OggCapture struct {
	path   string
	track  *webrtc.TrackLocalStaticSample
	logger *zap.SugaredLogger

	enabled atomic.Bool
	level   atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOggCapture(path string, logger *zap.SugaredLogger) (*OggCapture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio", "voicechat")
	if err != nil {
		return nil, fmt.Errorf("failed to create capture track: %w", err)
	}
	c := &OggCapture{path: path, track: track, logger: logger.With("component", "capture")}
	c.enabled.Store(true)
	return c, nil
}

func (c *OggCapture) Track() webrtc.TrackLocal { return c.track }

func (c *OggCapture) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

func (c *OggCapture) setLevel(v float64) {
	c.level.Store(math.Float64bits(v))
}

func (c *OggCapture) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.setLevel(0)
	}
}

// Start begins pacing pages onto the track. Calling it again is a no-op.
func (c *OggCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	if _, _, err := oggreader.NewWith(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("not an ogg/opus file: %w", err)
	}
	_ = f.Close()

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	return nil
}

func (c *OggCapture) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(oggPageTick)
	defer ticker.Stop()

	for ctx.Err() == nil {
		if err := c.playOnce(ctx, ticker); err != nil {
			c.logger.Warnw("capture stopped", "path", c.path, "error", err)
			return
		}
	}
}

// playOnce streams the file from the start until EOF.
func (c *OggCapture) playOnce(ctx context.Context, ticker *time.Ticker) error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	for pages := 0; ; pages++ {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if pages == 0 {
				return errors.New("capture file has no audio pages")
			}
			return nil
		}
		if err != nil {
			return err
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))

		if c.enabled.Load() {
			c.setLevel(opusFrameLevel(page))
			if err := c.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *OggCapture) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// OggPlayback records each remote speaker to <dir>/<producer>.ogg.
type OggPlayback struct {
	dir            string
	gate           *GestureGate
	requireGesture bool
	logger         *zap.SugaredLogger

	mu    sync.Mutex
	sinks map[domain.ProducerID]*oggSink
}

func NewOggPlayback(dir string, gate *GestureGate, requireGesture bool, logger *zap.SugaredLogger) *OggPlayback {
	return &OggPlayback{
		dir:            dir,
		gate:           gate,
		requireGesture: requireGesture,
		logger:         logger.With("component", "playback"),
		sinks:          make(map[domain.ProducerID]*oggSink),
	}
}

func (p *OggPlayback) Play(producerID domain.ProducerID, stream RemoteStream) error {
	if p.requireGesture && !p.gate.Occurred() {
		return ErrAutoplayBlocked
	}

	path := filepath.Join(p.dir, string(producerID)+".ogg")
	writer, err := oggwriter.New(path, opusClockRate, opusChannels)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	sink := &oggSink{writer: writer}

	p.mu.Lock()
	if old, ok := p.sinks[producerID]; ok {
		old.close()
	}
	p.sinks[producerID] = sink
	p.mu.Unlock()

	go func() {
		for {
			pkt, err := stream.ReadRTP()
			if err != nil {
				sink.close()
				return
			}
			if err := sink.write(pkt); err != nil {
				if !errors.Is(err, errSinkClosed) {
					p.logger.Warnw("playback write failed", "producer_id", producerID, "error", err)
				}
				return
			}
		}
	}()

	p.logger.Infow("playing remote audio", "producer_id", producerID, "path", path)
	return nil
}

func (p *OggPlayback) Stop(producerID domain.ProducerID) {
	p.mu.Lock()
	sink, ok := p.sinks[producerID]
	delete(p.sinks, producerID)
	p.mu.Unlock()
	if ok {
		sink.close()
	}
}

func (p *OggPlayback) Close() error {
	p.mu.Lock()
	sinks := p.sinks
	p.sinks = make(map[domain.ProducerID]*oggSink)
	p.mu.Unlock()
	for _, s := range sinks {
		s.close()
	}
	return nil
}

var errSinkClosed = errors.New("sink closed")

type oggSink struct {
	mu     sync.Mutex
	writer *oggwriter.OggWriter
	closed bool
}

func (s *oggSink) write(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	return s.writer.WriteRTP(pkt)
}

func (s *oggSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.writer.Close()
}

var (
	_ Capture  = (*OggCapture)(nil)
	_ Playback = (*OggPlayback)(nil)
)
