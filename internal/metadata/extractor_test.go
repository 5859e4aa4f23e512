package metadata

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"phantomtrack/internal/audio"

	"github.com/sirupsen/logrus"
)

func createTestExtractor() *Extractor {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	return NewExtractor(audio.SupportedExtensions, logger)
}

func writeTestWAV(t *testing.T, path string, seconds float64) {
	t.Helper()
	c := audio.NewClip(8000, 16, 2, int(seconds*8000))
	for i := range c.Data[0] {
		c.Data[0][i] = 0.3 * math.Sin(float64(i)/10)
		c.Data[1][i] = c.Data[0][i]
	}
	if err := audio.WriteWAV(path, c); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
}

func TestProbeWAV(t *testing.T) {
	e := createTestExtractor()
	path := filepath.Join(t.TempDir(), "Night Drive.wav")
	writeTestWAV(t, path, 2.5)

	track, err := e.Probe(path)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if track.Title != "Night Drive" {
		t.Errorf("expected filename title, got %q", track.Title)
	}
	if track.Format != "wav" {
		t.Errorf("expected wav format, got %q", track.Format)
	}
	if math.Abs(track.Duration-2.5) > 0.01 {
		t.Errorf("expected 2.5s duration, got %v", track.Duration)
	}
	if track.FileSize <= 44 {
		t.Errorf("unexpected file size %d", track.FileSize)
	}
}

func TestProbeMissingFile(t *testing.T) {
	e := createTestExtractor()
	if _, err := e.Probe(filepath.Join(t.TempDir(), "gone.mp3")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestProbeCorruptFileKeepsGoing(t *testing.T) {
	e := createTestExtractor()
	path := filepath.Join(t.TempDir(), "broken.flac")
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	track, err := e.Probe(path)
	if err != nil {
		t.Fatalf("Probe should tolerate unreadable durations: %v", err)
	}
	if track.Duration != 0 {
		t.Errorf("expected zero duration, got %v", track.Duration)
	}
}

func TestSniffFormat(t *testing.T) {
	e := createTestExtractor()

	path := filepath.Join(t.TempDir(), "tone.wav")
	writeTestWAV(t, path, 0.1)
	wavBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		header  []byte
		wantExt string
		wantErr bool
	}{
		{"wav", wavBytes[:64], ".wav", false},
		{"flac", append([]byte("fLaC"), make([]byte, 60)...), ".flac", false},
		{"mp3 with id3", append([]byte("ID3\x04\x00\x00"), make([]byte, 58)...), ".mp3", false},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}, "", true},
		{"text", []byte("hello world, not audio"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := e.SniffFormat(tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrFormatMismatch) {
					t.Errorf("expected ErrFormatMismatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ext != tt.wantExt {
				t.Errorf("expected %s, got %s", tt.wantExt, ext)
			}
		})
	}
}

func TestIsAudioFileAndContentType(t *testing.T) {
	e := createTestExtractor()

	tests := []struct {
		path        string
		isAudio     bool
		contentType string
	}{
		{"a.mp3", true, "audio/mpeg"},
		{"b.WAV", true, "audio/wav"},
		{"c.ogg", true, "audio/ogg"},
		{"d.flac", true, "audio/flac"},
		{"e.m4a", false, "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := e.IsAudioFile(tt.path); got != tt.isAudio {
			t.Errorf("IsAudioFile(%q) = %v, want %v", tt.path, got, tt.isAudio)
		}
		if got := e.GetContentType(tt.path); got != tt.contentType {
			t.Errorf("GetContentType(%q) = %q, want %q", tt.path, got, tt.contentType)
		}
	}
}
