package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
	"github.com/tcolgate/mp3"
)

// ErrUnsupportedFormat is returned for file extensions without a decoder
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// SupportedExtensions lists the extensions Decode understands
var SupportedExtensions = []string{".mp3", ".wav", ".ogg", ".flac"}

// IsSupported reports whether the path has a decodable extension
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// Decode reads an audio file into a clip. A positive limit stops decoding once
// that much audio has been read.
func Decode(path string, limit time.Duration) (*Clip, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !IsSupported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	return DecodeReader(f, ext, limit)
}

// DecodeReader decodes audio of the given extension from r
func DecodeReader(r io.ReadSeeker, ext string, limit time.Duration) (*Clip, error) {
	var (
		c   *Clip
		err error
	)
	switch strings.ToLower(ext) {
	case ".wav":
		c, err = decodeWAV(r, limit)
	case ".flac":
		c, err = decodeFLAC(r, limit)
	case ".mp3":
		c, err = decodeMP3(r, limit)
	case ".ogg":
		c, err = decodeOgg(r, limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	if c.Frames() == 0 {
		return nil, fmt.Errorf("audio stream contains no samples")
	}
	return c, nil
}

func decodeFLAC(r io.Reader, limit time.Duration) (*Clip, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse flac stream: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	if info.SampleRate == 0 || info.NChannels == 0 {
		return nil, fmt.Errorf("flac stream missing sample info")
	}

	bitDepth := int(info.BitsPerSample)
	c := &Clip{SampleRate: int(info.SampleRate), BitDepth: bitDepth, Data: make([][]float64, info.NChannels)}
	maxFrames := limitFrames(limit, c.SampleRate)
	scale := float64(int64(1) << (bitDepth - 1))

	for maxFrames < 0 || c.Frames() < maxFrames {
		frame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode flac frame: %w", err)
		}
		for ch, sub := range frame.Subframes {
			if ch >= len(c.Data) {
				break
			}
			for _, s := range sub.Samples {
				c.Data[ch] = append(c.Data[ch], float64(s)/scale)
			}
		}
	}

	return c.headFrames(maxFrames), nil
}

// mp3Channels reads the first frame header to find the encoded channel count.
// The PCM decoder always produces stereo.
func mp3Channels(r io.Reader) int {
	dec := mp3.NewDecoder(r)
	var (
		fr      mp3.Frame
		skipped int
	)
	if err := dec.Decode(&fr, &skipped); err != nil {
		return 2
	}
	if fr.Header().ChannelMode() == mp3.SingleChannel {
		return 1
	}
	return 2
}

func decodeMP3(r io.ReadSeeker, limit time.Duration) (*Clip, error) {
	chans := mp3Channels(r)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind mp3 stream: %w", err)
	}

	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3 stream: %w", err)
	}

	const bytesPerFrame = 4 // 16-bit little endian stereo
	rate := dec.SampleRate()
	maxFrames := limitFrames(limit, rate)

	var pcm []byte
	buf := make([]byte, 8192)
	for maxFrames < 0 || len(pcm)/bytesPerFrame < maxFrames {
		n, err := dec.Read(buf)
		pcm = append(pcm, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode mp3: %w", err)
		}
	}

	frames := len(pcm) / bytesPerFrame
	c := NewClip(rate, DefaultBitDepth, chans, frames)
	for i := 0; i < frames; i++ {
		off := i * bytesPerFrame
		left := float64(int16(uint16(pcm[off])|uint16(pcm[off+1])<<8)) / 32768
		right := float64(int16(uint16(pcm[off+2])|uint16(pcm[off+3])<<8)) / 32768
		if chans == 1 {
			c.Data[0][i] = left
			continue
		}
		c.Data[0][i] = left
		c.Data[1][i] = right
	}

	return c.headFrames(maxFrames), nil
}

func decodeOgg(r io.Reader, limit time.Duration) (*Clip, error) {
	rd, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open ogg stream: %w", err)
	}

	chans := rd.Channels()
	if chans <= 0 || rd.SampleRate() <= 0 {
		return nil, fmt.Errorf("ogg stream missing sample info")
	}

	c := &Clip{SampleRate: rd.SampleRate(), BitDepth: DefaultBitDepth, Data: make([][]float64, chans)}
	maxFrames := limitFrames(limit, c.SampleRate)

	buf := make([]float32, 4096*chans)
	for maxFrames < 0 || c.Frames() < maxFrames {
		n, err := rd.Read(buf)
		for i := 0; i < n-n%chans; i++ {
			c.Data[i%chans] = append(c.Data[i%chans], float64(buf[i]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode ogg: %w", err)
		}
	}

	return c.headFrames(maxFrames), nil
}
