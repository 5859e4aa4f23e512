package audio

import "fmt"

// AppendCrossfade joins b onto the end of a, overlapping the last crossfade frames
// of a with the first crossfade frames of b. a fades out linearly while b fades in
// and the overlap is summed. The result is len(a)+len(b)-crossfade frames long.
// crossfade is clamped to the length of the shorter clip.
func AppendCrossfade(a, b *Clip, crossfade int) (*Clip, error) {
	if a.SampleRate != b.SampleRate {
		return nil, fmt.Errorf("sample rate mismatch: %d vs %d", a.SampleRate, b.SampleRate)
	}
	if a.Channels() != b.Channels() {
		return nil, fmt.Errorf("channel count mismatch: %d vs %d", a.Channels(), b.Channels())
	}

	la, lb := a.Frames(), b.Frames()
	cf := crossfade
	if cf < 0 {
		cf = 0
	}
	if cf > la {
		cf = la
	}
	if cf > lb {
		cf = lb
	}

	bitDepth := a.BitDepth
	if b.BitDepth > bitDepth {
		bitDepth = b.BitDepth
	}

	out := NewClip(a.SampleRate, bitDepth, a.Channels(), la+lb-cf)
	for ch := range out.Data {
		dst, x, y := out.Data[ch], a.Data[ch], b.Data[ch]
		copy(dst, x[:la-cf])
		for i := 0; i < cf; i++ {
			in := float64(i) / float64(cf)
			dst[la-cf+i] = x[la-cf+i]*(1-in) + y[i]*in
		}
		copy(dst[la:], y[cf:])
	}
	return out, nil
}
