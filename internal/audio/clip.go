package audio

import (
	"fmt"
	"math"
	"time"
)

// DefaultBitDepth is used when a source carries no integer sample width (mp3, ogg)
const DefaultBitDepth = 16

// Clip is decoded PCM audio held as planar float64 samples in [-1, 1].
type Clip struct {
	SampleRate int
	BitDepth   int
	Data       [][]float64 // one slice per channel, equal lengths
}

// NewClip allocates a silent clip
func NewClip(sampleRate, bitDepth, channels, frames int) *Clip {
	data := make([][]float64, channels)
	for ch := range data {
		data[ch] = make([]float64, frames)
	}
	return &Clip{SampleRate: sampleRate, BitDepth: bitDepth, Data: data}
}

// Channels returns the channel count
func (c *Clip) Channels() int {
	return len(c.Data)
}

// Frames returns the number of sample frames per channel
func (c *Clip) Frames() int {
	if len(c.Data) == 0 {
		return 0
	}
	return len(c.Data[0])
}

// Duration returns the playing time of the clip
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Frames()) / float64(c.SampleRate) * float64(time.Second))
}

// FramesFor converts a duration into a frame count at the clip's rate
func (c *Clip) FramesFor(d time.Duration) int {
	return int(d.Seconds() * float64(c.SampleRate))
}

// Validate checks the structural invariants of the clip
func (c *Clip) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.SampleRate)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("clip has no channels")
	}
	n := len(c.Data[0])
	for ch, samples := range c.Data {
		if len(samples) != n {
			return fmt.Errorf("channel %d has %d frames, expected %d", ch, len(samples), n)
		}
	}
	return nil
}

// Clone returns a deep copy
func (c *Clip) Clone() *Clip {
	out := &Clip{SampleRate: c.SampleRate, BitDepth: c.BitDepth, Data: make([][]float64, len(c.Data))}
	for ch, samples := range c.Data {
		out.Data[ch] = append([]float64(nil), samples...)
	}
	return out
}

// Head returns the leading window of length d, or the whole clip when it is shorter.
// The returned clip shares sample memory with c.
func (c *Clip) Head(d time.Duration) *Clip {
	return c.headFrames(c.FramesFor(d))
}

// headFrames keeps the first n frames; negative n keeps everything
func (c *Clip) headFrames(n int) *Clip {
	if n < 0 || n >= c.Frames() {
		return c
	}
	out := &Clip{SampleRate: c.SampleRate, BitDepth: c.BitDepth, Data: make([][]float64, len(c.Data))}
	for ch, samples := range c.Data {
		out.Data[ch] = samples[:n]
	}
	return out
}

// Mono averages all channels into one
func (c *Clip) Mono() *Clip {
	if c.Channels() == 1 {
		return c.Clone()
	}
	out := NewClip(c.SampleRate, c.BitDepth, 1, c.Frames())
	if c.Channels() == 0 {
		return out
	}
	scale := 1.0 / float64(c.Channels())
	for _, samples := range c.Data {
		for i, v := range samples {
			out.Data[0][i] += v * scale
		}
	}
	return out
}

// WithChannels maps the clip onto n channels. Source channels repeat cyclically,
// so mono is duplicated across stereo.
func (c *Clip) WithChannels(n int) *Clip {
	if n == c.Channels() || c.Channels() == 0 {
		return c
	}
	if n == 1 {
		return c.Mono()
	}
	out := &Clip{SampleRate: c.SampleRate, BitDepth: c.BitDepth, Data: make([][]float64, n)}
	for ch := 0; ch < n; ch++ {
		out.Data[ch] = append([]float64(nil), c.Data[ch%c.Channels()]...)
	}
	return out
}

// Peak returns the maximum absolute sample value
func (c *Clip) Peak() float64 {
	peak := 0.0
	for _, samples := range c.Data {
		for _, v := range samples {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

// PeakNormalize scales the clip so its largest absolute sample is 1.0.
// Silent input stays silent.
func PeakNormalize(c *Clip) *Clip {
	out := c.Clone()
	peak := c.Peak()
	if peak == 0 {
		return out
	}
	for _, samples := range out.Data {
		for i := range samples {
			samples[i] /= peak
		}
	}
	return out
}

// limitFrames converts a decode limit into frames; -1 means unlimited
func limitFrames(limit time.Duration, sampleRate int) int {
	if limit <= 0 {
		return -1
	}
	return int(math.Ceil(limit.Seconds() * float64(sampleRate)))
}

func interleave(c *Clip) []float64 {
	chans := c.Channels()
	out := make([]float64, c.Frames()*chans)
	for ch, samples := range c.Data {
		for i, v := range samples {
			out[i*chans+ch] = v
		}
	}
	return out
}
