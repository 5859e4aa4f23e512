package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"phantomtrack/internal/audio"
	"phantomtrack/internal/blend"
	"phantomtrack/internal/generator"
	"phantomtrack/internal/genre"
	"phantomtrack/internal/scratch"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	descriptions []string
	melody       *audio.Clip
	params       generator.Params
	err          error
	panicWith    interface{}
	empty        bool
}

func (f *fakeGenerator) SampleRate() int { return 32000 }

func (f *fakeGenerator) GenerateWithChroma(ctx context.Context, descriptions []string, melody *audio.Clip, params generator.Params, progress generator.ProgressFunc) ([]*audio.Clip, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.descriptions = descriptions
	f.melody = melody
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	progress(0.5)
	progress(1)

	out := audio.NewClip(32000, 16, 1, 32000)
	for i := range out.Data[0] {
		out.Data[0][i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/32000)
	}
	return []*audio.Clip{out}, nil
}

type testEnv struct {
	orch    *Orchestrator
	gen     *fakeGenerator
	scratch string
	inputs  string
}

func newTestEnv(t *testing.T, load generator.LoadFunc) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dir, err := scratch.New(filepath.Join(t.TempDir(), "scratch"))
	require.NoError(t, err)
	dir.SetClock(func() time.Time { return time.Unix(1700000000, 0) })

	gen := &fakeGenerator{}
	handle := generator.NewStaticHandle(gen)
	if load != nil {
		handle = generator.NewHandle(load, logger)
	}

	blender := blend.NewBlender(dir, blend.DefaultOptions(), logger)
	return &testEnv{
		orch:    New(handle, blender, dir, DefaultConfig(), logger),
		gen:     gen,
		scratch: dir.Path(),
		inputs:  t.TempDir(),
	}
}

func (e *testEnv) track(t *testing.T, name string, rate, channels int, value float64) string {
	t.Helper()
	c := audio.NewClip(rate, 16, channels, rate)
	for ch := range c.Data {
		for i := range c.Data[ch] {
			c.Data[ch][i] = value
		}
	}
	path := filepath.Join(e.inputs, name)
	require.NoError(t, audio.WriteWAV(path, c))
	return path
}

func TestGenerateRequiresTracks(t *testing.T) {
	loads := 0
	env := newTestEnv(t, func(ctx context.Context) (generator.Generator, error) {
		loads++
		return &fakeGenerator{}, nil
	})

	_, err := env.orch.Generate(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, MsgNoFilesSelected, Message(err))
	assert.Zero(t, loads, "model should not load for an empty request")
}

func TestGenerateModelLoadFailure(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context) (generator.Generator, error) {
		return nil, errors.New("worker unreachable")
	})
	track := env.track(t, "a.wav", 8000, 1, 0.3)

	_, err := env.orch.Generate(context.Background(), Request{Tracks: []string{track}}, nil)
	require.Error(t, err)
	assert.Equal(t, KindModelLoad, KindOf(err))
	assert.Equal(t, "Error loading model: worker unreachable", Message(err))
}

func TestGenerateNoValidAudio(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := filepath.Join(env.inputs, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("junk"), 0644))

	_, err := env.orch.Generate(context.Background(), Request{Tracks: []string{bad}}, nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.Equal(t, blend.ErrNoValidAudio.Error(), Message(err))
	assert.True(t, errors.Is(err, blend.ErrInvalidInput))
}

func TestGenerateSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.track(t, "a.wav", 8000, 2, 0.2)
	b := env.track(t, "b.wav", 16000, 1, -0.4)

	var stages []Stage
	params := generator.Params{Duration: 45, Temperature: 0.7, TopK: 120, TopP: 0.3, CFGCoef: 5}
	res, err := env.orch.Generate(context.Background(), Request{
		Tracks: []string{a, b},
		Prompt: "   ",
		Genre:  genre.Genre("Jazz"),
		Params: params,
	}, func(stage Stage, fraction float64) {
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageLoadingModel, StageBlending, StagePreprocessing, StageGenerating, StagePersisting}, stages)
	assert.Equal(t, []string{"Jazz, smooth melodic music"}, env.gen.descriptions)
	assert.Equal(t, params, env.gen.params)
	assert.Equal(t, "Jazz, smooth melodic music", res.Prompt)

	require.NotNil(t, env.gen.melody)
	assert.Equal(t, 48000, env.gen.melody.SampleRate)
	assert.Equal(t, 1, env.gen.melody.Channels())
	assert.InDelta(t, 1.0, env.gen.melody.Peak(), 1e-9)

	assert.Equal(t, filepath.Join(env.scratch, "phantom_track_1700000000.wav"), res.Path)
	assert.Equal(t, "reference_1700000000.wav", res.Reference)
	assert.FileExists(t, filepath.Join(env.scratch, "reference_1700000000.wav"))
	assert.FileExists(t, filepath.Join(env.scratch, "blended_1700000000.wav"))

	out, err := audio.Decode(res.Path, 0)
	require.NoError(t, err)
	assert.Equal(t, 32000, out.SampleRate)
	assert.Equal(t, 32000, out.Frames())
	assert.LessOrEqual(t, out.Peak(), 1.0)
	assert.Equal(t, 2, len(res.Blend.Tracks))
}

func TestGeneratePassesParamsUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		params generator.Params
	}{
		{"defaults", generator.DefaultParams()},
		{"above range", generator.Params{Duration: 500, Temperature: 5, TopK: 10000, TopP: 2, CFGCoef: 20}},
		{"below range", generator.Params{Duration: 0, Temperature: -1, TopK: 0, TopP: -0.5, CFGCoef: -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			track := env.track(t, "a.wav", 8000, 1, 0.3)

			_, err := env.orch.Generate(context.Background(), Request{
				Tracks: []string{track},
				Genre:  genre.None,
				Params: tt.params,
			}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.params, env.gen.params)
		})
	}
}

func TestGenerateKeepsExplicitPrompt(t *testing.T) {
	env := newTestEnv(t, nil)
	track := env.track(t, "a.wav", 8000, 1, 0.3)

	_, err := env.orch.Generate(context.Background(), Request{
		Tracks: []string{track},
		Prompt: "dreamy synth pads",
		Genre:  genre.None,
		Params: generator.DefaultParams(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dreamy synth pads"}, env.gen.descriptions)
}

func TestGenerateModelFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gen.err = errors.New("CUDA out of memory")
	track := env.track(t, "a.wav", 8000, 1, 0.3)

	_, err := env.orch.Generate(context.Background(), Request{Tracks: []string{track}}, nil)
	require.Error(t, err)
	assert.Equal(t, KindGeneration, KindOf(err))
	assert.Equal(t, "Error during music generation: CUDA out of memory", Message(err))
}

func TestGenerateEmptyModelOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gen.empty = true
	track := env.track(t, "a.wav", 8000, 1, 0.3)

	_, err := env.orch.Generate(context.Background(), Request{Tracks: []string{track}}, nil)
	assert.Equal(t, KindGeneration, KindOf(err))
}

func TestGenerateRecoversPanic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gen.panicWith = "tensor shape mismatch"
	track := env.track(t, "a.wav", 8000, 1, 0.3)

	res, err := env.orch.Generate(context.Background(), Request{Tracks: []string{track}}, nil)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, KindGeneration, KindOf(err))
	assert.Contains(t, Message(err), "tensor shape mismatch")
}

func TestGenerateMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	track := env.track(t, "a.wav", 8000, 1, 0.3)

	msg := env.orch.GenerateMessage(context.Background(), Request{Tracks: []string{track}, Params: generator.DefaultParams()})
	assert.Equal(t, filepath.Join(env.scratch, "phantom_track_1700000000.wav"), msg)

	assert.Equal(t, MsgNoFilesSelected, env.orch.GenerateMessage(context.Background(), Request{}))
}

func TestResolvePrompt(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		prompt string
		genre  genre.Genre
		want   string
	}{
		{"", genre.None, "smooth melodic music"},
		{" \t", "", "smooth melodic music"},
		{"", "Lo-fi", "Lo-fi, smooth melodic music"},
		{"  airy piano ", "none", "  airy piano "},
		{"airy piano", "Ambient", "Ambient, airy piano"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q/%s", tt.prompt, tt.genre), func(t *testing.T) {
			assert.Equal(t, tt.want, env.orch.ResolvePrompt(tt.prompt, tt.genre))
		})
	}
}

func TestMessageForPlainError(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "Error: boom", Message(errors.New("boom")))
	assert.Equal(t, "model_load", KindModelLoad.String())
}
