package audio

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// kWeighting returns the two-stage pre-filter applied before the loudness
// power measurement: a +4 dB high shelf followed by a 38 Hz high-pass.
func kWeighting(sampleRate int) *biquad.Chain {
	sr := float64(sampleRate)
	return biquad.NewChain([]biquad.Coefficients{
		design.HighShelf(1500, 4, 1/math.Sqrt2, sr),
		design.Highpass(38, 0.5, sr),
	})
}

const (
	loudnessBlock        = 0.4
	loudnessOverlap      = 0.75
	loudnessAbsoluteGate = -70.0
	loudnessRelativeGate = -10.0
	loudnessEnergyFloor  = 2e-3
)

// Loudness returns the integrated loudness of the clip in LUFS, or -Inf for silence.
func Loudness(c *Clip) float64 {
	if c.Frames() == 0 || c.SampleRate <= 0 {
		return math.Inf(-1)
	}

	weighted := make([][]float64, c.Channels())
	filter := kWeighting(c.SampleRate)
	for ch, samples := range c.Data {
		filter.Reset()
		out := make([]float64, len(samples))
		copy(out, samples)
		filter.ProcessBlock(out)
		weighted[ch] = out
	}

	n := c.Frames()
	blockLen := int(loudnessBlock * float64(c.SampleRate))
	if blockLen > n {
		blockLen = n
	}
	step := int(float64(blockLen) * (1 - loudnessOverlap))
	if step < 1 {
		step = 1
	}

	var blocks []float64
	for start := 0; start+blockLen <= n; start += step {
		var power float64
		for ch, samples := range weighted {
			var sum float64
			for _, v := range samples[start : start+blockLen] {
				sum += v * v
			}
			power += channelWeight(ch) * sum / float64(blockLen)
		}
		blocks = append(blocks, power)
	}

	gated := gateBlocks(blocks, loudnessAbsoluteGate)
	if len(gated) == 0 {
		return math.Inf(-1)
	}
	relative := blockLoudness(mean(gated)) + loudnessRelativeGate
	gated = gateBlocks(gated, relative)
	if len(gated) == 0 {
		return math.Inf(-1)
	}
	return blockLoudness(mean(gated))
}

// LoudnessNormalize applies gain so the clip reaches -headroomDB LUFS, optionally
// followed by a tanh soft compressor, then clips to [-1, 1]. Near-silent clips are
// returned unscaled.
func LoudnessNormalize(c *Clip, headroomDB float64, compress bool) *Clip {
	out := c.Clone()

	if rms(c) >= loudnessEnergyFloor {
		if lufs := Loudness(c); !math.IsInf(lufs, -1) {
			gain := math.Pow(10, (-headroomDB-lufs)/20)
			for _, samples := range out.Data {
				for i := range samples {
					samples[i] *= gain
				}
			}
		}
	}

	for _, samples := range out.Data {
		for i, v := range samples {
			if compress {
				v = math.Tanh(v)
			}
			samples[i] = math.Max(-1, math.Min(1, v))
		}
	}
	return out
}

func channelWeight(ch int) float64 {
	// surround channels (Ls, Rs) are weighted +1.5 dB
	if ch == 3 || ch == 4 {
		return 1.41
	}
	return 1.0
}

func gateBlocks(blocks []float64, thresholdLUFS float64) []float64 {
	var out []float64
	for _, p := range blocks {
		if blockLoudness(p) > thresholdLUFS {
			out = append(out, p)
		}
	}
	return out
}

func blockLoudness(power float64) float64 {
	if power <= 0 {
		return math.Inf(-1)
	}
	return -0.691 + 10*math.Log10(power)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func rms(c *Clip) float64 {
	var sum float64
	var count int
	for _, samples := range c.Data {
		for _, v := range samples {
			sum += v * v
		}
		count += len(samples)
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}
