package generator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"phantomtrack/internal/audio"

	"github.com/sirupsen/logrus"
)

// Params are the sampling settings for one generation call. They are passed to
// the model unchanged.
type Params struct {
	Duration    int     `json:"duration"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	CFGCoef     float64 `json:"cfg_coef"`
}

// DefaultParams returns the model defaults
func DefaultParams() Params {
	return Params{Duration: 30, Temperature: 1.0, TopK: 250, TopP: 0.0, CFGCoef: 3.0}
}

// ProgressFunc receives generation progress in [0, 1]
type ProgressFunc func(fraction float64)

// Generator synthesizes music conditioned on text descriptions and a melody
type Generator interface {
	// SampleRate is the native rate of generated audio
	SampleRate() int
	// GenerateWithChroma returns one waveform per description. Blocks until done.
	GenerateWithChroma(ctx context.Context, descriptions []string, melody *audio.Clip, params Params, progress ProgressFunc) ([]*audio.Clip, error)
}

// LoadFunc loads and configures a generator
type LoadFunc func(ctx context.Context) (Generator, error)

// Handle owns a lazily loaded generator. The first Get loads it; callers that
// arrive during the load wait for it. A failed load is not remembered, so the
// next Get tries again.
type Handle struct {
	load   LoadFunc
	logger *logrus.Logger

	mu  sync.Mutex
	gen Generator
}

// NewHandle creates a handle that loads with load on first use
func NewHandle(load LoadFunc, logger *logrus.Logger) *Handle {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handle{load: load, logger: logger}
}

// NewStaticHandle wraps an already loaded generator
func NewStaticHandle(gen Generator) *Handle {
	return &Handle{gen: gen, logger: logrus.New()}
}

// Get returns the generator, loading it if needed
func (h *Handle) Get(ctx context.Context) (Generator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.gen != nil {
		return h.gen, nil
	}
	if h.load == nil {
		return nil, fmt.Errorf("no generator loader configured")
	}

	start := time.Now()
	h.logger.Info("Loading music generation model...")
	gen, err := h.load(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load music generation model")
		return nil, err
	}

	h.gen = gen
	h.logger.WithFields(logrus.Fields{
		"sampleRate": gen.SampleRate(),
		"loadTime":   time.Since(start).Round(time.Millisecond),
	}).Info("Music generation model loaded")
	return gen, nil
}

// Preload loads the generator ahead of the first request
func (h *Handle) Preload(ctx context.Context) error {
	_, err := h.Get(ctx)
	return err
}

// Loaded reports whether the generator is ready. It does not wait for a load in progress.
func (h *Handle) Loaded() bool {
	if !h.mu.TryLock() {
		return false
	}
	defer h.mu.Unlock()
	return h.gen != nil
}
