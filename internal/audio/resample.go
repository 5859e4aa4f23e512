package audio

import (
	"fmt"
	"math"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
)

// Resample converts the clip to the target sample rate with a polyphase
// windowed-sinc filter. The output has ceil(frames*rate/src) frames and is
// aligned with the input, the filter's group delay is trimmed off.
func Resample(c *Clip, rate int) (*Clip, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("invalid target sample rate: %d", rate)
	}
	if c.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid source sample rate: %d", c.SampleRate)
	}
	if c.SampleRate == rate {
		return c.Clone(), nil
	}

	r, err := dspresample.NewForRates(float64(c.SampleRate), float64(rate), dspresample.WithQuality(dspresample.QualityBest))
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler %d -> %d: %w", c.SampleRate, rate, err)
	}
	up, down := r.Ratio()

	n := c.Frames()
	outFrames := (n*up + down - 1) / down
	out := NewClip(rate, c.BitDepth, c.Channels(), outFrames)
	if n == 0 {
		return out, nil
	}

	// group delay of the linear-phase prototype, in output frames
	delay := int(math.Round(float64(len(r.Prototype())-1) / 2 / float64(down)))
	tail := (delay*down+up-1)/up + 1

	padded := make([]float64, n+tail)
	for ch, in := range c.Data {
		r.Reset()
		copy(padded, in)
		clear(padded[n:])
		y := r.Process(padded)
		if len(y) > delay {
			copy(out.Data[ch], y[delay:])
		}
	}
	return out, nil
}
