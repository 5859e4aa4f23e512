package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"phantomtrack/internal/blend"
	"phantomtrack/internal/config"
	"phantomtrack/internal/generator"
	"phantomtrack/internal/genre"
	"phantomtrack/internal/orchestrator"
	"phantomtrack/internal/scratch"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Command-line flags
	configPath := flag.String("config", "./config.toml", "Configuration file path")
	prompt := flag.String("prompt", "", "Text description of the track (blank uses the default prompt)")
	genreName := flag.String("genre", "", "Genre prefix for the prompt (e.g. jazz, lo-fi)")
	duration := flag.Int("duration", 30, "Output length in seconds")
	temperature := flag.Float64("temperature", 1.0, "Sampling temperature")
	topK := flag.Int("top-k", 250, "Top-k sampling")
	topP := flag.Float64("top-p", 0.0, "Top-p sampling (0 disables)")
	cfgCoef := flag.Float64("cfg", 3.0, "Classifier-free guidance coefficient")
	extract := flag.Int("extract", blend.DefaultExtractSeconds, "Seconds taken from the start of each track")
	crossfade := flag.Int("crossfade", blend.DefaultCrossfadeSeconds, "Crossfade between tracks in seconds")
	blendOnly := flag.Bool("blend-only", false, "Only blend the tracks and print the blend path")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] track1.mp3 [track2.wav ...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config %q: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}

	dir, err := scratch.New(cfg.Storage.ScratchDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing scratch directory: %v\n", err)
		os.Exit(1)
	}
	blender := blend.NewBlender(dir, blend.Options{
		MaxTracks:              cfg.Blend.MaxTracks,
		ManyTracksThreshold:    cfg.Blend.ManyTracksThreshold,
		ManyTracksCrossfadeCap: cfg.Blend.ManyTracksCrossfadeCap,
		Extensions:             cfg.Blend.SupportedFormats,
	}, logger)

	tracks := flag.Args()

	if *blendOnly {
		path, err := blender.BlendTracks(tracks, *extract, *crossfade)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}

	g, ok := genre.Parse(*genreName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown genre %q. Known genres: %s\n", *genreName, strings.Join(genreNames(), ", "))
		os.Exit(2)
	}

	ocfg := orchestrator.ConfigFrom(cfg)
	ocfg.ExtractSeconds = *extract
	ocfg.CrossfadeSeconds = *crossfade

	handle := generator.NewHandle(generator.NewLoader(cfg.Generator, logger), logger)
	orch := orchestrator.New(handle, blender, dir, ocfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	msg := orch.GenerateMessage(ctx, orchestrator.Request{
		Tracks: tracks,
		Prompt: *prompt,
		Genre:  g,
		Params: generator.Params{
			Duration:    *duration,
			Temperature: *temperature,
			TopK:        *topK,
			TopP:        *topP,
			CFGCoef:     *cfgCoef,
		},
	})
	fmt.Println(msg)
	if _, err := os.Stat(msg); err != nil {
		os.Exit(1)
	}
}

func genreNames() []string {
	var names []string
	for _, g := range genre.Catalog() {
		names = append(names, string(g))
	}
	return names
}
