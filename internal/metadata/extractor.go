package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"phantomtrack/pkg/models"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/h2non/filetype"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// ErrFormatMismatch is returned when file content does not match an accepted audio format
var ErrFormatMismatch = errors.New("file content is not a supported audio format")

// Extractor inspects reference tracks
type Extractor struct {
	supportedFormats []string
	logger           *logrus.Logger
}

// NewExtractor creates a new metadata extractor
func NewExtractor(supportedFormats []string, logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return &Extractor{
		supportedFormats: supportedFormats,
		logger:           logger,
	}
}

// Probe reads size, duration and tags of a reference track. A duration that
// cannot be determined is reported as 0 rather than failing the probe.
func (e *Extractor) Probe(filePath string) (models.ReferenceTrack, error) {
	startTime := time.Now()

	file, err := os.Open(filePath)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Error("Failed to open reference track")
		return models.ReferenceTrack{}, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return models.ReferenceTrack{}, fmt.Errorf("failed to get file stats: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	base := filepath.Base(filePath)
	ref := models.ReferenceTrack{
		Title:    strings.TrimSuffix(base, filepath.Ext(base)),
		Format:   strings.TrimPrefix(ext, "."),
		FilePath: filePath,
		FileSize: stat.Size(),
	}

	// Each probe reads through its own section of the file
	section := func() *io.SectionReader { return io.NewSectionReader(file, 0, stat.Size()) }

	if ref.Duration, err = probeDuration(section(), ext, stat.Size()); err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Warn("Could not determine duration")
		ref.Duration = 0
	}

	if tags, err := tag.ReadFrom(section()); err == nil {
		if title := strings.TrimSpace(tags.Title()); title != "" {
			ref.Title = title
		}
		ref.Artist = tags.Artist()
	}

	e.logger.WithFields(logrus.Fields{
		"filePath":       filePath,
		"title":          ref.Title,
		"duration":       ref.Duration,
		"processingTime": time.Since(startTime),
	}).Debug("Probed reference track")

	return ref, nil
}

// probeDuration returns the length of the stream in seconds
func probeDuration(r *io.SectionReader, ext string, size int64) (float64, error) {
	switch ext {
	case ".wav":
		return wavSeconds(r)
	case ".flac":
		return flacSeconds(r)
	case ".mp3":
		return mp3Seconds(r, size)
	case ".ogg":
		return oggSeconds(r)
	}
	return 0, fmt.Errorf("unsupported format: %s", ext)
}

// wavSeconds divides the PCM chunk length by the frame size from the header
func wavSeconds(r io.ReadSeeker) (float64, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("failed to locate pcm data: %w", err)
	}
	frameBytes := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if frameBytes <= 0 || dec.SampleRate == 0 {
		return 0, errors.New("invalid wav header")
	}
	return float64(dec.PCMLen()/frameBytes) / float64(dec.SampleRate), nil
}

// flacSeconds reads the sample count from STREAMINFO
func flacSeconds(r io.Reader) (float64, error) {
	stream, err := flac.Parse(r)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	info := stream.Info
	if info.NSamples == 0 || info.SampleRate == 0 {
		return 0, errors.New("flac stream missing sample info")
	}
	return float64(info.NSamples) / float64(info.SampleRate), nil
}

// mp3Seconds sums frame durations. Streams where no frame decodes fall back to
// a 192 kbps estimate from the file size.
func mp3Seconds(r io.Reader, size int64) (float64, error) {
	dec := mp3.NewDecoder(r)
	var (
		total   time.Duration
		frame   mp3.Frame
		skipped int
		frames  int
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if frames == 0 && !errors.Is(err, io.EOF) {
				return float64(size*8) / 192000, nil
			}
			break
		}
		total += frame.Duration()
		frames++
	}
	if frames == 0 {
		return 0, errors.New("no mp3 frames found")
	}
	return total.Seconds(), nil
}

// oggSeconds reads the granule position of the last page
func oggSeconds(r io.ReadSeeker) (float64, error) {
	length, format, err := oggvorbis.GetLength(r)
	if err != nil {
		return 0, err
	}
	if format.SampleRate <= 0 {
		return 0, errors.New("ogg stream missing sample rate")
	}
	return float64(length) / float64(format.SampleRate), nil
}

// SniffFormat detects the audio format from leading file bytes and returns its
// extension, e.g. ".flac".
func (e *Extractor) SniffFormat(header []byte) (string, error) {
	kind, err := filetype.Match(header)
	if err != nil || kind == filetype.Unknown {
		return "", ErrFormatMismatch
	}
	ext := "." + kind.Extension
	if !e.IsAudioFile("x" + ext) {
		return "", fmt.Errorf("%w: detected %s", ErrFormatMismatch, kind.MIME.Value)
	}
	return ext, nil
}

// IsAudioFile checks if a file is a supported audio format
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// GetContentType returns the MIME type for an audio file
func (e *Extractor) GetContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
