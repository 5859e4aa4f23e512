package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"phantomtrack/internal/audio"
	"phantomtrack/internal/config"

	"github.com/sirupsen/logrus"
)

const (
	taskRunning = 0
	taskSuccess = 1
	taskFailed  = 2
)

// Client talks to a MusicGen inference worker over HTTP
type Client struct {
	apiURL          string
	apiKey          string
	model           string
	outputDir       string // shared volume with the worker, optional
	defaultDuration int
	pollInterval    time.Duration
	generateTimeout time.Duration
	sampleRate      int
	http            *http.Client
	logger          *logrus.Logger
}

// NewClient creates a worker client
func NewClient(cfg config.GeneratorConfig, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	interval := time.Duration(cfg.PollInterval * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	return &Client{
		apiURL:          strings.TrimRight(cfg.APIURL, "/"),
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		outputDir:       cfg.OutputDir,
		defaultDuration: cfg.DefaultDuration,
		pollInterval:    interval,
		generateTimeout: time.Duration(cfg.GenerateTimeout) * time.Second,
		http:            &http.Client{Timeout: 60 * time.Second},
		logger:          logger,
	}
}

// NewLoader returns a LoadFunc that waits for the worker, loads the configured
// model with the default duration and hands back the ready client
func NewLoader(cfg config.GeneratorConfig, logger *logrus.Logger) LoadFunc {
	return func(ctx context.Context) (Generator, error) {
		c := NewClient(cfg, logger)

		if cfg.LoadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.LoadTimeout)*time.Second)
			defer cancel()
		}

		if err := c.WaitForHealthy(ctx); err != nil {
			return nil, fmt.Errorf("generator worker not reachable at %s: %w", c.apiURL, err)
		}
		if err := c.Load(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

type apiResponse struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type loadRequest struct {
	Model    string `json:"model"`
	Duration int    `json:"duration"`
}

type loadResult struct {
	SampleRate int `json:"sample_rate"`
}

type generateRequest struct {
	Descriptions []string `json:"descriptions"`
	Model        string   `json:"model"`
	Params       Params   `json:"params"`
	Progress     bool     `json:"progress"`
}

type releaseResult struct {
	TaskID string `json:"task_id"`
}

type taskResult struct {
	TaskID   string  `json:"task_id"`
	Status   int     `json:"status"` // 0=running, 1=success, 2=failed
	Progress float64 `json:"progress"`
	Error    string  `json:"error"`
	Result   string  `json:"result"` // JSON string with file info
}

type resultItem struct {
	File string `json:"file"`
}

// SampleRate returns the native rate reported by the worker on load
func (c *Client) SampleRate() int {
	return c.sampleRate
}

// WaitForHealthy blocks until the worker responds to health checks
func (c *Client) WaitForHealthy(ctx context.Context) error {
	c.logger.WithField("url", c.apiURL).Info("Waiting for generator worker to be ready...")
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("failed to create health request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				c.logger.Info("Generator worker is healthy")
				return nil
			}
		}

		c.logger.Debug("Generator worker not ready, retrying...")
		if err := c.sleep(ctx, 5*c.pollInterval); err != nil {
			return err
		}
	}
}

// Load asks the worker to load the configured model with the default duration
func (c *Client) Load(ctx context.Context) error {
	var res loadResult
	err := c.postJSON(ctx, "/v1/models/load", loadRequest{Model: c.model, Duration: c.defaultDuration}, &res)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", c.model, err)
	}
	if res.SampleRate <= 0 {
		return fmt.Errorf("worker reported invalid sample rate %d", res.SampleRate)
	}
	c.sampleRate = res.SampleRate
	c.logger.WithFields(logrus.Fields{
		"model":      c.model,
		"sampleRate": c.sampleRate,
	}).Info("Model loaded on generator worker")
	return nil
}

// GenerateWithChroma submits a melody-conditioned generation task, waits for it
// and returns the produced waveforms
func (c *Client) GenerateWithChroma(ctx context.Context, descriptions []string, melody *audio.Clip, params Params, progress ProgressFunc) ([]*audio.Clip, error) {
	if c.generateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.generateTimeout)
		defer cancel()
	}

	taskID, err := c.submit(ctx, descriptions, melody, params)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"taskID":   taskID,
		"duration": params.Duration,
	}).Info("Generation task submitted")

	refs, err := c.pollUntilDone(ctx, taskID, progress)
	if err != nil {
		return nil, err
	}

	clips := make([]*audio.Clip, 0, len(refs))
	for _, ref := range refs {
		clip, err := c.fetchAudio(ctx, ref)
		if err != nil {
			return nil, err
		}
		clips = append(clips, clip)
	}
	return clips, nil
}

func (c *Client) submit(ctx context.Context, descriptions []string, melody *audio.Clip, params Params) (string, error) {
	melodyFile, err := os.CreateTemp("", "phantom-melody-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create melody file: %w", err)
	}
	defer os.Remove(melodyFile.Name())
	defer melodyFile.Close()

	if err := audio.EncodeWAV(melodyFile, melody); err != nil {
		return "", fmt.Errorf("failed to encode melody: %w", err)
	}
	if _, err := melodyFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind melody: %w", err)
	}

	meta, err := json.Marshal(generateRequest{
		Descriptions: descriptions,
		Model:        c.model,
		Params:       params,
		Progress:     true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("request", string(meta)); err != nil {
		return "", fmt.Errorf("failed to write request field: %w", err)
	}
	part, err := mw.CreateFormFile("melody", "melody.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create melody part: %w", err)
	}
	if _, err := io.Copy(part, melodyFile); err != nil {
		return "", fmt.Errorf("failed to attach melody: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v1/generate", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res releaseResult
	if err := c.do(req, &res); err != nil {
		return "", fmt.Errorf("failed to submit task: %w", err)
	}
	if res.TaskID == "" {
		return "", fmt.Errorf("worker returned no task id")
	}
	return res.TaskID, nil
}

// pollUntilDone polls for task completion and returns the result file references
func (c *Client) pollUntilDone(ctx context.Context, taskID string, progress ProgressFunc) ([]string, error) {
	query := map[string][]string{"task_id_list": {taskID}}
	last := -1.0

	for {
		var tasks []taskResult
		if err := c.postJSON(ctx, "/v1/tasks/query", query, &tasks); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WithError(err).WithField("taskID", taskID).Warn("Poll failed, retrying")
		} else if len(tasks) > 0 {
			task := tasks[0]
			if progress != nil && task.Progress != last {
				last = task.Progress
				progress(clamp01(task.Progress))
			}
			switch task.Status {
			case taskSuccess:
				return parseResult(task.Result)
			case taskFailed:
				msg := task.Error
				if msg == "" {
					msg = "unknown error"
				}
				return nil, fmt.Errorf("generation failed for task %s: %s", taskID, msg)
			}
		}

		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

func parseResult(resultJSON string) ([]string, error) {
	var items []resultItem
	if err := json.Unmarshal([]byte(resultJSON), &items); err != nil {
		return nil, fmt.Errorf("failed to parse result items: %w", err)
	}
	var refs []string
	for _, item := range items {
		if item.File != "" {
			refs = append(refs, item.File)
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no audio file in result")
	}
	return refs, nil
}

// fetchAudio reads a result file from the shared volume when possible and
// downloads it from the worker otherwise
func (c *Client) fetchAudio(ctx context.Context, fileRef string) (*audio.Clip, error) {
	rel := fileRef
	if u, err := url.Parse(fileRef); err == nil {
		if p := u.Query().Get("path"); p != "" {
			rel = p
		} else {
			rel = u.Path
		}
	}
	ext := strings.ToLower(path.Ext(rel))
	if ext == "" {
		ext = ".wav"
	}

	if c.outputDir != "" {
		localPath := filepath.Join(c.outputDir, filepath.FromSlash(rel))
		if _, err := os.Stat(localPath); err == nil {
			clip, err := audio.Decode(localPath, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to decode generated audio: %w", err)
			}
			return clip, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+fileRef, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download audio: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	clip, err := audio.DecodeReader(bytes.NewReader(data), ext, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode generated audio: %w", err)
	}
	return clip, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do sends the request and unwraps the {code, data, error} envelope into out
func (c *Client) do(req *http.Request, out interface{}) error {
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code != http.StatusOK {
		return fmt.Errorf("API error (code %d): %s", env.Code, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
