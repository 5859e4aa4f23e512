package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// WriteWAV encodes the clip as PCM WAV at path
func WriteWAV(path string, c *Clip) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	if err := EncodeWAV(f, c); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close wav file: %w", err)
	}
	return nil
}

// EncodeWAV writes the clip as PCM WAV. Bit depths other than 8/16/24/32 fall back to 16.
func EncodeWAV(w io.WriteSeeker, c *Clip) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("failed to encode wav: %w", err)
	}

	bitDepth := c.BitDepth
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		bitDepth = DefaultBitDepth
	}

	enc := wav.NewEncoder(w, c.SampleRate, bitDepth, c.Channels(), wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Channels(), SampleRate: c.SampleRate},
		Data:           toInts(interleave(c), bitDepth),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize wav: %w", err)
	}
	return nil
}

func decodeWAV(r io.ReadSeeker, limit time.Duration) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file")
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported wav encoding: format %d", dec.WavAudioFormat)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		return nil, fmt.Errorf("invalid wav header")
	}

	chans := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	c := &Clip{SampleRate: int(dec.SampleRate), BitDepth: bitDepth, Data: make([][]float64, chans)}

	maxFrames := limitFrames(limit, c.SampleRate)

	buf := &goaudio.IntBuffer{
		Format: dec.Format(),
		Data:   make([]int, 4096*chans),
	}
	var samples []int
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read wav samples: %w", err)
		}
		if n == 0 {
			break
		}
		samples = append(samples, buf.Data[:n]...)
		if maxFrames >= 0 && len(samples) >= maxFrames*chans {
			break
		}
	}

	frames := len(samples) / chans
	for ch := range c.Data {
		c.Data[ch] = make([]float64, frames)
	}
	for i := 0; i < frames*chans; i++ {
		c.Data[i%chans][i/chans] = fromInt(samples[i], bitDepth)
	}

	return c.headFrames(maxFrames), nil
}

func fromInt(v, bitDepth int) float64 {
	if bitDepth == 8 {
		return float64(v-128) / 128
	}
	return float64(v) / float64(int64(1)<<(bitDepth-1))
}

func toInts(samples []float64, bitDepth int) []int {
	scale := float64(int64(1) << (bitDepth - 1))
	lo, hi := -scale, scale-1
	out := make([]int, len(samples))
	for i, v := range samples {
		x := math.Round(v * scale)
		if x < lo {
			x = lo
		} else if x > hi {
			x = hi
		}
		if bitDepth == 8 {
			x += 128
		}
		out[i] = int(x)
	}
	return out
}
