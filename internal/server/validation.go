package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"phantomtrack/internal/genre"
	"phantomtrack/pkg/models"

	"github.com/sirupsen/logrus"
)

// Accepted ranges for generation parameters
const (
	MinDuration    = 15
	MaxDuration    = 120
	MinTemperature = 0.1
	MaxTemperature = 1.5
	MinTopK        = 50
	MaxTopK        = 500
	MinTopP        = 0.0
	MaxTopP        = 1.0
	MinCFGCoef     = 1.0
	MaxCFGCoef     = 7.0

	maxPromptLength = 1000
)

// servedPrefixes are the scratch artifacts clients may download
var servedPrefixes = []string{"blended_", "reference_", "phantom_track_"}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (ss *StudioServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	ss.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	result := ValidationResult{
		Valid:  false,
		Errors: errors,
	}
	ss.respondJSON(w, http.StatusBadRequest, result)
}

// respondWithError sends a structured error response
func (ss *StudioServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := ss.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	response := map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	ss.respondJSON(w, statusCode, response)
}

// respondJSON writes v as a JSON body
func (ss *StudioServer) respondJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ss.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// validateParams checks generation parameters against the accepted ranges
func validateParams(p models.GenerationParams) []ValidationError {
	var errs []ValidationError

	if p.Duration < MinDuration || p.Duration > MaxDuration {
		errs = append(errs, ValidationError{
			Field:   "duration",
			Message: fmt.Sprintf("Duration must be between %d and %d seconds", MinDuration, MaxDuration),
			Code:    "INVALID_DURATION",
		})
	}
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		errs = append(errs, ValidationError{
			Field:   "temperature",
			Message: fmt.Sprintf("Temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature),
			Code:    "INVALID_TEMPERATURE",
		})
	}
	if p.TopK < MinTopK || p.TopK > MaxTopK {
		errs = append(errs, ValidationError{
			Field:   "topK",
			Message: fmt.Sprintf("Top-k must be between %d and %d", MinTopK, MaxTopK),
			Code:    "INVALID_TOP_K",
		})
	}
	if p.TopP < MinTopP || p.TopP > MaxTopP {
		errs = append(errs, ValidationError{
			Field:   "topP",
			Message: fmt.Sprintf("Top-p must be between %.1f and %.1f", MinTopP, MaxTopP),
			Code:    "INVALID_TOP_P",
		})
	}
	if p.CFGCoef < MinCFGCoef || p.CFGCoef > MaxCFGCoef {
		errs = append(errs, ValidationError{
			Field:   "cfgCoef",
			Message: fmt.Sprintf("Classifier-free guidance must be between %.1f and %.1f", MinCFGCoef, MaxCFGCoef),
			Code:    "INVALID_CFG_COEF",
		})
	}

	return errs
}

// validatePrompt checks the free-text prompt
func validatePrompt(prompt string) *ValidationError {
	if len(prompt) > maxPromptLength {
		return &ValidationError{
			Field:   "prompt",
			Message: fmt.Sprintf("Prompt too long (max %d characters)", maxPromptLength),
			Code:    "PROMPT_TOO_LONG",
		}
	}
	if strings.Contains(prompt, "\x00") {
		return &ValidationError{
			Field:   "prompt",
			Message: "Prompt contains invalid characters",
			Code:    "INVALID_PROMPT_CHARACTERS",
		}
	}
	return nil
}

// validateGenre maps the requested genre onto the catalog
func validateGenre(name string) (genre.Genre, *ValidationError) {
	g, ok := genre.Parse(name)
	if !ok {
		return "", &ValidationError{
			Field:   "genre",
			Message: fmt.Sprintf("Unknown genre: %s", name),
			Code:    "UNKNOWN_GENRE",
		}
	}
	return g, nil
}

// validateReferenceIDs checks the list of selected references
func (ss *StudioServer) validateReferenceIDs(ids []string) *ValidationError {
	if len(ids) > ss.config.Blend.MaxTracks {
		return &ValidationError{
			Field:   "referenceIds",
			Message: fmt.Sprintf("Too many references selected (max %d)", ss.config.Blend.MaxTracks),
			Code:    "TOO_MANY_REFERENCES",
		}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return &ValidationError{
				Field:   "referenceIds",
				Message: "Reference ID cannot be empty",
				Code:    "EMPTY_REFERENCE_ID",
			}
		}
		if seen[id] {
			return &ValidationError{
				Field:   "referenceIds",
				Message: fmt.Sprintf("Reference %s selected twice", id),
				Code:    "DUPLICATE_REFERENCE_ID",
			}
		}
		seen[id] = true
	}
	return nil
}

// validateBlendSpec checks optional extract/crossfade overrides
func validateBlendSpec(extractSeconds, crossfadeSeconds int) []ValidationError {
	var errs []ValidationError
	if extractSeconds < 1 || extractSeconds > 60 {
		errs = append(errs, ValidationError{
			Field:   "extractSeconds",
			Message: "Extract length must be between 1 and 60 seconds",
			Code:    "INVALID_EXTRACT_SECONDS",
		})
	}
	if crossfadeSeconds < 0 || crossfadeSeconds > 10 {
		errs = append(errs, ValidationError{
			Field:   "crossfadeSeconds",
			Message: "Crossfade must be between 0 and 10 seconds",
			Code:    "INVALID_CROSSFADE_SECONDS",
		})
	}
	return errs
}

// validateArtifactName ensures only generated scratch artifacts are served
func validateArtifactName(name string) *ValidationError {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return &ValidationError{
			Field:   "name",
			Message: "Invalid file name",
			Code:    "INVALID_FILE_NAME",
		}
	}
	if !strings.EqualFold(filepath.Ext(name), ".wav") {
		return &ValidationError{
			Field:   "name",
			Message: "Only WAV artifacts can be downloaded",
			Code:    "UNSUPPORTED_FILE_TYPE",
		}
	}
	for _, prefix := range servedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return nil
		}
	}
	return &ValidationError{
		Field:   "name",
		Message: "File is not a studio artifact",
		Code:    "UNKNOWN_ARTIFACT",
	}
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}
