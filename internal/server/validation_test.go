package server

import (
	"testing"

	"phantomtrack/internal/config"
	"phantomtrack/pkg/models"

	"github.com/sirupsen/logrus"
)

func createValidationServer() *StudioServer {
	cfg := config.DefaultConfig()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	return &StudioServer{
		config: cfg,
		logger: logger,
	}
}

func validParams() models.GenerationParams {
	return models.GenerationParams{Duration: 30, Temperature: 1.0, TopK: 250, TopP: 0.0, CFGCoef: 3.0}
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(p *models.GenerationParams)
		wantCodes []string
	}{
		{
			name:   "defaults are valid",
			modify: func(p *models.GenerationParams) {},
		},
		{
			name:   "range boundaries are valid",
			modify: func(p *models.GenerationParams) { *p = models.GenerationParams{Duration: 120, Temperature: 0.1, TopK: 500, TopP: 1.0, CFGCoef: 7.0} },
		},
		{
			name:      "duration too short",
			modify:    func(p *models.GenerationParams) { p.Duration = 10 },
			wantCodes: []string{"INVALID_DURATION"},
		},
		{
			name:      "temperature too high",
			modify:    func(p *models.GenerationParams) { p.Temperature = 2 },
			wantCodes: []string{"INVALID_TEMPERATURE"},
		},
		{
			name: "several errors",
			modify: func(p *models.GenerationParams) {
				p.TopK = 10
				p.TopP = -0.1
				p.CFGCoef = 8
			},
			wantCodes: []string{"INVALID_TOP_K", "INVALID_TOP_P", "INVALID_CFG_COEF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.modify(&p)
			errs := validateParams(p)

			if len(errs) != len(tt.wantCodes) {
				t.Fatalf("validateParams() returned %d errors, want %d: %v", len(errs), len(tt.wantCodes), errs)
			}
			for i, code := range tt.wantCodes {
				if errs[i].Code != code {
					t.Errorf("error %d code = %s, want %s", i, errs[i].Code, code)
				}
			}
		})
	}
}

func TestValidatePrompt(t *testing.T) {
	tests := []struct {
		name      string
		prompt    string
		wantError bool
	}{
		{"empty prompt", "", false},
		{"normal prompt", "warm analog synths", false},
		{"long prompt", string(make([]byte, 1001)), true},
		{"null byte", "lofi\x00beats", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePrompt(tt.prompt)
			if tt.wantError && err == nil {
				t.Errorf("validatePrompt() expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("validatePrompt() unexpected error: %v", err)
			}
		})
	}
}

func TestValidateGenre(t *testing.T) {
	tests := []struct {
		input     string
		want      string
		wantError bool
	}{
		{"", "none", false},
		{"jazz", "Jazz", false},
		{"hiphop", "Hip Hop", false},
		{"polka-noise", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			g, err := validateGenre(tt.input)
			if tt.wantError {
				if err == nil {
					t.Errorf("validateGenre(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("validateGenre(%q) unexpected error: %v", tt.input, err)
			}
			if string(g) != tt.want {
				t.Errorf("validateGenre(%q) = %s, want %s", tt.input, g, tt.want)
			}
		})
	}
}

func TestValidateReferenceIDs(t *testing.T) {
	ss := createValidationServer()

	many := make([]string, 21)
	for i := range many {
		many[i] = string(rune('a' + i))
	}

	tests := []struct {
		name     string
		ids      []string
		wantCode string
	}{
		{"none", nil, ""},
		{"two", []string{"a", "b"}, ""},
		{"too many", many, "TOO_MANY_REFERENCES"},
		{"empty id", []string{"a", ""}, "EMPTY_REFERENCE_ID"},
		{"duplicate", []string{"a", "a"}, "DUPLICATE_REFERENCE_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ss.validateReferenceIDs(tt.ids)
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Code != tt.wantCode {
				t.Errorf("validateReferenceIDs() = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestValidateArtifactName(t *testing.T) {
	tests := []struct {
		name      string
		wantError bool
	}{
		{"phantom_track_1700000000.wav", false},
		{"blended_1700000000_1.wav", false},
		{"reference_1700000000.wav", false},
		{"../etc/passwd", true},
		{".health-123", true},
		{"phantom_track_1.mp3", true},
		{"notes.wav", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateArtifactName(tt.name)
			if tt.wantError && err == nil {
				t.Errorf("validateArtifactName(%q) expected error", tt.name)
			}
			if !tt.wantError && err != nil {
				t.Errorf("validateArtifactName(%q) unexpected error: %v", tt.name, err)
			}
		})
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantOK    bool
	}{
		{"bytes=0-99", 1000, 0, 99, true},
		{"bytes=500-", 1000, 500, 999, true},
		{"bytes=-100", 1000, 900, 999, true},
		{"bytes=900-5000", 1000, 900, 999, true},
		{"bytes=1000-", 1000, 0, 0, false},
		{"bytes=5-1", 1000, 0, 0, false},
		{"bytes=0-1,5-6", 1000, 0, 0, false},
		{"items=0-1", 1000, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, ok := parseRange(tt.header, tt.size)
			if ok != tt.wantOK {
				t.Fatalf("parseRange(%q) ok = %v, want %v", tt.header, ok, tt.wantOK)
			}
			if ok && (start != tt.wantStart || end != tt.wantEnd) {
				t.Errorf("parseRange(%q) = %d-%d, want %d-%d", tt.header, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"  my track  ", "my track"},
		{"bad\x00name", "badname"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := sanitizeInput(tt.input); got != tt.want {
			t.Errorf("sanitizeInput(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0B"},
		{512, "< 1KB"},
		{2048, "2KB"},
		{3 * 1024 * 1024, "3MB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.want {
			t.Errorf("formatBytes(%d) = %s, want %s", tt.bytes, got, tt.want)
		}
	}
}
