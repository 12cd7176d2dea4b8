package client

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultVADThreshold      = 0.02
	DefaultVADDebounce       = 300 * time.Millisecond
	DefaultVADSampleInterval = 20 * time.Millisecond
)

type VADConfig struct {
	Threshold      float64
	Debounce       time.Duration
	SampleInterval time.Duration
}

func (c *VADConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultVADThreshold
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultVADDebounce
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultVADSampleInterval
	}
}

// VoiceActivityGate turns a stream of levels into debounced speaking
// transitions. Rising edges are reported at once; falling edges only after
// Debounce of continuous silence. emit is called with the gate's lock held
// and must not call back into the gate.
type VoiceActivityGate struct {
	cfg  VADConfig
	emit func(speaking bool)

	mu       sync.Mutex
	speaking bool
	muted    bool
	timer    *time.Timer
	gen      uint64
}

func NewVoiceActivityGate(cfg VADConfig, emit func(speaking bool)) *VoiceActivityGate {
	cfg.applyDefaults()
	return &VoiceActivityGate{cfg: cfg, emit: emit}
}

// Sample feeds one frame level.
func (g *VoiceActivityGate) Sample(level float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.muted {
		return
	}

	if level > g.cfg.Threshold {
		g.cancelTimerLocked()
		if !g.speaking {
			g.speaking = true
			g.emit(true)
		}
		return
	}

	if g.speaking && g.timer == nil {
		g.gen++
		gen := g.gen
		g.timer = time.AfterFunc(g.cfg.Debounce, func() { g.debounced(gen) })
	}
}

func (g *VoiceActivityGate) debounced(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen || g.timer == nil {
		return
	}
	g.timer = nil
	if g.speaking && !g.muted {
		g.speaking = false
		g.emit(false)
	}
}

func (g *VoiceActivityGate) cancelTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
}

// SetMuted stops detection. Muting while speaking reports silence at once.
func (g *VoiceActivityGate) SetMuted(muted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = muted
	if muted {
		g.silenceLocked()
	}
}

// Reset reports silence at once if speaking, without changing mute.
func (g *VoiceActivityGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.silenceLocked()
}

func (g *VoiceActivityGate) silenceLocked() {
	g.cancelTimerLocked()
	if g.speaking {
		g.speaking = false
		g.emit(false)
	}
}

func (g *VoiceActivityGate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// Run samples level every SampleInterval until ctx is done. A pending
// debounce is dropped on exit without emitting.
func (g *VoiceActivityGate) Run(ctx context.Context, level func() float64) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	defer func() {
		g.mu.Lock()
		g.cancelTimerLocked()
		g.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sample(level())
		}
	}
}
