package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"phantomtrack/internal/audio"
	"phantomtrack/internal/blend"
	"phantomtrack/internal/config"
	"phantomtrack/internal/generator"
	"phantomtrack/internal/genre"
	"phantomtrack/internal/scratch"

	"github.com/sirupsen/logrus"
)

// Stage names a step of the generation pipeline
type Stage string

const (
	StageLoadingModel  Stage = "loading_model"
	StageBlending      Stage = "blending"
	StagePreprocessing Stage = "preprocessing"
	StageGenerating    Stage = "generating"
	StagePersisting    Stage = "persisting"
)

// ProgressFunc receives the current stage and its completion in [0, 1]
type ProgressFunc func(stage Stage, fraction float64)

// Config holds the fixed pipeline settings
type Config struct {
	ReferenceSampleRate int
	DefaultPrompt       string
	ExtractSeconds      int
	CrossfadeSeconds    int
	LoudnessHeadroomDB  float64
	LoudnessCompressor  bool
}

// DefaultConfig returns the standard pipeline settings
func DefaultConfig() Config {
	return Config{
		ReferenceSampleRate: 48000,
		DefaultPrompt:       "smooth melodic music",
		ExtractSeconds:      blend.DefaultExtractSeconds,
		CrossfadeSeconds:    blend.DefaultCrossfadeSeconds,
		LoudnessHeadroomDB:  14,
		LoudnessCompressor:  true,
	}
}

// ConfigFrom builds pipeline settings from the application configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ReferenceSampleRate: cfg.Generator.ReferenceSampleRate,
		DefaultPrompt:       cfg.Generator.DefaultPrompt,
		ExtractSeconds:      cfg.Blend.ExtractSeconds,
		CrossfadeSeconds:    cfg.Blend.CrossfadeSeconds,
		LoudnessHeadroomDB:  cfg.Generator.LoudnessHeadroomDB,
		LoudnessCompressor:  cfg.Generator.LoudnessCompressor,
	}
}

// Request is one generation request
type Request struct {
	Tracks []string
	Prompt string
	Genre  genre.Genre
	Params generator.Params
}

// Result describes a finished generation
type Result struct {
	Path       string
	File       string
	Reference  string
	Prompt     string
	SampleRate int
	Duration   time.Duration
	Blend      *blend.Result
}

// Orchestrator runs the blend, preprocess, generate and persist pipeline
type Orchestrator struct {
	handle  *generator.Handle
	blender *blend.Blender
	dir     *scratch.Dir
	cfg     Config
	logger  *logrus.Logger
}

// New creates an orchestrator writing its artifacts into dir
func New(handle *generator.Handle, blender *blend.Blender, dir *scratch.Dir, cfg Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultConfig()
	if cfg.ReferenceSampleRate <= 0 {
		cfg.ReferenceSampleRate = defaults.ReferenceSampleRate
	}
	if strings.TrimSpace(cfg.DefaultPrompt) == "" {
		cfg.DefaultPrompt = defaults.DefaultPrompt
	}
	if cfg.ExtractSeconds <= 0 {
		cfg.ExtractSeconds = defaults.ExtractSeconds
	}
	if cfg.CrossfadeSeconds < 0 {
		cfg.CrossfadeSeconds = defaults.CrossfadeSeconds
	}
	return &Orchestrator{handle: handle, blender: blender, dir: dir, cfg: cfg, logger: logger}
}

// ResolvePrompt substitutes the default prompt for a blank one and prefixes the genre
func (o *Orchestrator) ResolvePrompt(prompt string, g genre.Genre) string {
	if strings.TrimSpace(prompt) == "" {
		prompt = o.cfg.DefaultPrompt
	}
	return g.Apply(prompt)
}

// Generate blends the reference tracks, conditions the generator on the blend and
// writes the first generated waveform as phantom_track_<unixtime>.wav. Every
// failure is returned as *Error.
func (o *Orchestrator) Generate(ctx context.Context, req Request, progress ProgressFunc) (res *Result, err error) {
	if progress == nil {
		progress = func(Stage, float64) {}
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Generation pipeline panicked")
			res = nil
			err = newError(KindGeneration, "Error during music generation", fmt.Errorf("%v", r))
		}
	}()

	if len(req.Tracks) == 0 {
		return nil, &Error{Kind: KindInvalidInput, Message: MsgNoFilesSelected, Err: blend.ErrNoFiles}
	}

	start := time.Now()
	log := o.logger.WithFields(logrus.Fields{
		"tracks": len(req.Tracks),
		"genre":  string(req.Genre),
	})

	progress(StageLoadingModel, 0)
	gen, err := o.handle.Get(ctx)
	if err != nil {
		return nil, newError(KindModelLoad, "Error loading model", err)
	}
	progress(StageLoadingModel, 1)

	progress(StageBlending, 0)
	blended, err := o.blender.Blend(req.Tracks, blend.Spec{
		ExtractSeconds:   o.cfg.ExtractSeconds,
		CrossfadeSeconds: o.cfg.CrossfadeSeconds,
	})
	if err != nil {
		if errors.Is(err, blend.ErrInvalidInput) {
			return nil, &Error{Kind: KindInvalidInput, Message: err.Error(), Err: err}
		}
		return nil, newError(KindAudioProcessing, "Error while processing audio files", err)
	}
	progress(StageBlending, 1)

	progress(StagePreprocessing, 0)
	reference, referencePath, err := o.prepareReference(blended.Path)
	if err != nil {
		return nil, newError(KindAudioProcessing, "Error processing audio data", err)
	}
	progress(StagePreprocessing, 1)

	prompt := o.ResolvePrompt(req.Prompt, req.Genre)
	log = log.WithField("prompt", prompt)
	log.WithFields(logrus.Fields{
		"duration":    req.Params.Duration,
		"temperature": req.Params.Temperature,
		"topK":        req.Params.TopK,
		"topP":        req.Params.TopP,
		"cfgCoef":     req.Params.CFGCoef,
	}).Info("Starting music generation")

	progress(StageGenerating, 0)
	outputs, err := gen.GenerateWithChroma(ctx, []string{prompt}, reference, req.Params, func(f float64) {
		progress(StageGenerating, f)
	})
	if err != nil {
		return nil, newError(KindGeneration, "Error during music generation", err)
	}
	if len(outputs) == 0 || outputs[0] == nil {
		return nil, newError(KindGeneration, "Error during music generation", errors.New("model returned no audio"))
	}
	progress(StageGenerating, 1)

	progress(StagePersisting, 0)
	track := audio.LoudnessNormalize(outputs[0], o.cfg.LoudnessHeadroomDB, o.cfg.LoudnessCompressor)
	path, err := o.write("phantom_track", track)
	if err != nil {
		return nil, newError(KindGeneration, "Error during music generation", err)
	}
	progress(StagePersisting, 1)

	res = &Result{
		Path:       path,
		File:       filepath.Base(path),
		Reference:  filepath.Base(referencePath),
		Prompt:     prompt,
		SampleRate: track.SampleRate,
		Duration:   track.Duration(),
		Blend:      blended,
	}

	log.WithFields(logrus.Fields{
		"output":   res.File,
		"duration": res.Duration.Seconds(),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("Phantom track generated")

	return res, nil
}

// GenerateMessage runs Generate and returns the output path on success or a
// readable error message on failure
func (o *Orchestrator) GenerateMessage(ctx context.Context, req Request) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("Error during music generation: %v", r)
		}
	}()

	res, err := o.Generate(ctx, req, nil)
	if err != nil {
		return Message(err)
	}
	return res.Path
}

// prepareReference turns the blend into the melody condition: reference rate,
// mono, peak normalized
func (o *Orchestrator) prepareReference(blendPath string) (*audio.Clip, string, error) {
	clip, err := audio.Decode(blendPath, 0)
	if err != nil {
		return nil, "", err
	}
	if clip.SampleRate != o.cfg.ReferenceSampleRate {
		clip, err = audio.Resample(clip, o.cfg.ReferenceSampleRate)
		if err != nil {
			return nil, "", err
		}
	}
	clip = audio.PeakNormalize(clip.Mono())

	path, err := o.write("reference", clip)
	if err != nil {
		return nil, "", err
	}
	return clip, path, nil
}

func (o *Orchestrator) write(prefix string, c *audio.Clip) (string, error) {
	f, err := o.dir.Create(prefix, ".wav")
	if err != nil {
		return "", fmt.Errorf("failed to create %s output: %w", prefix, err)
	}
	if err := audio.EncodeWAV(f, c); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s output: %w", prefix, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s output: %w", prefix, err)
	}
	return f.Name(), nil
}
