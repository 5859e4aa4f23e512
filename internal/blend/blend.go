package blend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"phantomtrack/internal/audio"
	"phantomtrack/internal/scratch"

	"github.com/sirupsen/logrus"
)

const (
	MaxTracks               = 20
	DefaultExtractSeconds   = 10
	DefaultCrossfadeSeconds = 2
	ManyTracksThreshold     = 5
	ManyTracksCrossfadeCap  = 1
)

// ErrInvalidInput marks errors caused by the caller's track list
var ErrInvalidInput = errors.New("invalid input")

// InputError is a user-facing validation failure. It matches ErrInvalidInput.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// Is reports whether target is ErrInvalidInput
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

var (
	ErrNoFiles      = &InputError{Message: "No audio files selected"}
	ErrNoValidAudio = &InputError{Message: "No valid audio files could be read"}
)

// Spec holds the per-call blending parameters
type Spec struct {
	ExtractSeconds   int
	CrossfadeSeconds int
}

// DefaultSpec returns the 10 second extract / 2 second crossfade defaults
func DefaultSpec() Spec {
	return Spec{ExtractSeconds: DefaultExtractSeconds, CrossfadeSeconds: DefaultCrossfadeSeconds}
}

// Options holds limits that are fixed for a Blender
type Options struct {
	MaxTracks              int
	ManyTracksThreshold    int
	ManyTracksCrossfadeCap int
	Extensions             []string
}

// DefaultOptions returns the standard track limits
func DefaultOptions() Options {
	return Options{
		MaxTracks:              MaxTracks,
		ManyTracksThreshold:    ManyTracksThreshold,
		ManyTracksCrossfadeCap: ManyTracksCrossfadeCap,
		Extensions:             audio.SupportedExtensions,
	}
}

// TrackSummary describes a clip that made it into the blend
type TrackSummary struct {
	Path     string        `json:"-"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// SkippedTrack describes an input that was left out of the blend
type SkippedTrack struct {
	Path   string `json:"-"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result describes a written blend
type Result struct {
	Path       string         `json:"-"`
	File       string         `json:"file"`
	Duration   time.Duration  `json:"duration"`
	Crossfade  time.Duration  `json:"crossfade"`
	SampleRate int            `json:"sampleRate"`
	Channels   int            `json:"channels"`
	Tracks     []TrackSummary `json:"tracks"`
	Skipped    []SkippedTrack `json:"skipped,omitempty"`
}

// Blender trims reference tracks and joins them with crossfades into one clip
type Blender struct {
	dir    *scratch.Dir
	opts   Options
	logger *logrus.Logger
}

// NewBlender creates a blender writing into dir
func NewBlender(dir *scratch.Dir, opts Options, logger *logrus.Logger) *Blender {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxTracks <= 0 {
		opts.MaxTracks = MaxTracks
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = audio.SupportedExtensions
	}
	return &Blender{dir: dir, opts: opts, logger: logger}
}

// BlendTracks blends the given files and returns the path of the written WAV
func (b *Blender) BlendTracks(paths []string, extractSeconds, crossfadeSeconds int) (string, error) {
	res, err := b.Blend(paths, Spec{ExtractSeconds: extractSeconds, CrossfadeSeconds: crossfadeSeconds})
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// Blend takes the leading ExtractSeconds of each track, joins them in order with
// crossfades and writes blended_<unixtime>.wav into the scratch directory.
// Only the first MaxTracks entries are considered. Unsupported or unreadable
// files are skipped.
func (b *Blender) Blend(paths []string, spec Spec) (*Result, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}
	if spec.ExtractSeconds <= 0 {
		return nil, fmt.Errorf("extract seconds must be positive, got %d", spec.ExtractSeconds)
	}
	if spec.CrossfadeSeconds < 0 {
		return nil, fmt.Errorf("crossfade seconds cannot be negative, got %d", spec.CrossfadeSeconds)
	}

	if len(paths) > b.opts.MaxTracks {
		b.logger.WithFields(logrus.Fields{
			"provided": len(paths),
			"limit":    b.opts.MaxTracks,
		}).Info("Too many tracks, using the first ones only")
		paths = paths[:b.opts.MaxTracks]
	}

	res := &Result{}
	extract := time.Duration(spec.ExtractSeconds) * time.Second

	var clips []*audio.Clip
	for _, path := range paths {
		name := filepath.Base(path)
		if !b.isSupported(path) {
			res.Skipped = append(res.Skipped, SkippedTrack{Path: path, Name: name, Reason: "unsupported format"})
			continue
		}

		clip, err := audio.Decode(path, extract)
		if err != nil {
			b.logger.WithFields(logrus.Fields{
				"filePath": path,
				"error":    err.Error(),
			}).Warn("Failed to read audio file, skipping")
			res.Skipped = append(res.Skipped, SkippedTrack{Path: path, Name: name, Reason: err.Error()})
			continue
		}

		clips = append(clips, clip)
		res.Tracks = append(res.Tracks, TrackSummary{Path: path, Name: name, Duration: clip.Duration()})
	}

	if len(clips) == 0 {
		return nil, ErrNoValidAudio
	}

	crossfadeSeconds := spec.CrossfadeSeconds
	if len(clips) > b.opts.ManyTracksThreshold && crossfadeSeconds > b.opts.ManyTracksCrossfadeCap {
		crossfadeSeconds = b.opts.ManyTracksCrossfadeCap
	}

	blended, err := b.merge(clips, crossfadeSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to merge clips: %w", err)
	}

	path, err := b.write(blended)
	if err != nil {
		return nil, err
	}

	res.Path = path
	res.File = filepath.Base(path)
	res.Duration = blended.Duration()
	res.SampleRate = blended.SampleRate
	res.Channels = blended.Channels()
	if len(clips) > 1 {
		res.Crossfade = time.Duration(crossfadeSeconds) * time.Second
	}

	b.logger.WithFields(logrus.Fields{
		"tracks":    len(clips),
		"skipped":   len(res.Skipped),
		"crossfade": crossfadeSeconds,
		"duration":  res.Duration.Seconds(),
		"output":    res.File,
	}).Info("Blended reference tracks")

	return res, nil
}

// merge harmonizes clip formats and appends them in order
func (b *Blender) merge(clips []*audio.Clip, crossfadeSeconds int) (*audio.Clip, error) {
	if len(clips) == 1 {
		return clips[0], nil
	}

	rate, chans, bitDepth := 0, 0, 0
	for _, c := range clips {
		rate = max(rate, c.SampleRate)
		chans = max(chans, c.Channels())
		bitDepth = max(bitDepth, c.BitDepth)
	}

	crossfade := crossfadeSeconds * rate

	var result *audio.Clip
	for i, c := range clips {
		synced, err := harmonize(c, rate, chans, bitDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to convert clip %d: %w", i, err)
		}
		if result == nil {
			result = synced
			continue
		}
		result, err = audio.AppendCrossfade(result, synced, crossfade)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func harmonize(c *audio.Clip, rate, chans, bitDepth int) (*audio.Clip, error) {
	out := c
	if out.SampleRate != rate {
		resampled, err := audio.Resample(out, rate)
		if err != nil {
			return nil, err
		}
		out = resampled
	}
	out = out.WithChannels(chans)
	if out.BitDepth != bitDepth {
		if out == c {
			out = c.Clone()
		}
		out.BitDepth = bitDepth
	}
	return out, nil
}

func (b *Blender) write(c *audio.Clip) (string, error) {
	f, err := b.dir.Create("blended", ".wav")
	if err != nil {
		return "", fmt.Errorf("failed to create blend output: %w", err)
	}
	if err := audio.EncodeWAV(f, c); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write blend output: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close blend output: %w", err)
	}
	return f.Name(), nil
}

func (b *Blender) isSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range b.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
