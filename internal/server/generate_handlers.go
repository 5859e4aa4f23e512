package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"phantomtrack/internal/blend"
	"phantomtrack/internal/jobs"
	"phantomtrack/internal/orchestrator"
	"phantomtrack/pkg/models"

	"github.com/sirupsen/logrus"
)

const maxRequestBody = 1 << 20

// BlendRequest asks for a preview blend of registered references
type BlendRequest struct {
	ReferenceIDs     []string `json:"referenceIds"`
	ExtractSeconds   *int     `json:"extractSeconds,omitempty"`
	CrossfadeSeconds *int     `json:"crossfadeSeconds,omitempty"`
}

// GenerateRequest asks for a phantom track
type GenerateRequest struct {
	ReferenceIDs []string                `json:"referenceIds"`
	Prompt       string                  `json:"prompt"`
	Genre        string                  `json:"genre"`
	Params       models.GenerationParams `json:"params"`
}

// handleBlend blends the selected references without generating
func (ss *StudioServer) handleBlend(w http.ResponseWriter, r *http.Request) {
	var req BlendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		ss.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON request body", err)
		return
	}

	spec := blend.Spec{
		ExtractSeconds:   ss.config.Blend.ExtractSeconds,
		CrossfadeSeconds: ss.config.Blend.CrossfadeSeconds,
	}
	if req.ExtractSeconds != nil {
		spec.ExtractSeconds = *req.ExtractSeconds
	}
	if req.CrossfadeSeconds != nil {
		spec.CrossfadeSeconds = *req.CrossfadeSeconds
	}

	var errs []ValidationError
	if verr := ss.validateReferenceIDs(req.ReferenceIDs); verr != nil {
		errs = append(errs, *verr)
	}
	errs = append(errs, validateBlendSpec(spec.ExtractSeconds, spec.CrossfadeSeconds)...)
	if len(errs) > 0 {
		ss.respondWithValidationError(w, r, errs)
		return
	}
	if len(req.ReferenceIDs) == 0 {
		ss.respondWithError(w, r, http.StatusBadRequest, orchestrator.MsgNoFilesSelected, nil)
		return
	}

	paths, verr := ss.resolveReferences(req.ReferenceIDs)
	if verr != nil {
		ss.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	res, err := ss.blender.Blend(paths, spec)
	if err != nil {
		if errors.Is(err, blend.ErrInvalidInput) {
			ss.respondWithError(w, r, http.StatusUnprocessableEntity, err.Error(), err)
			return
		}
		ss.respondWithError(w, r, http.StatusInternalServerError, "Error while processing audio files", err)
		return
	}

	ss.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"blend":   res,
		"url":     "/files/" + res.File,
	})
}

// handleGenerate validates a generation request and queues it as a job
func (ss *StudioServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !ss.allowGenerate() {
		w.Header().Set("Retry-After", "10")
		ss.respondWithError(w, r, http.StatusTooManyRequests, "Too many generation requests, please wait", nil)
		return
	}

	req := GenerateRequest{Params: ss.defaultParams()}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		ss.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON request body", err)
		return
	}

	var errs []ValidationError
	if verr := ss.validateReferenceIDs(req.ReferenceIDs); verr != nil {
		errs = append(errs, *verr)
	}
	if verr := validatePrompt(req.Prompt); verr != nil {
		errs = append(errs, *verr)
	}
	g, verr := validateGenre(req.Genre)
	if verr != nil {
		errs = append(errs, *verr)
	}
	errs = append(errs, validateParams(req.Params)...)
	if len(errs) > 0 {
		ss.respondWithValidationError(w, r, errs)
		return
	}
	if len(req.ReferenceIDs) == 0 {
		ss.respondWithError(w, r, http.StatusBadRequest, orchestrator.MsgNoFilesSelected, nil)
		return
	}

	paths, verr := ss.resolveReferences(req.ReferenceIDs)
	if verr != nil {
		ss.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	job, err := ss.jobs.Submit(orchestrator.Request{
		Tracks: paths,
		Prompt: req.Prompt,
		Genre:  g,
		Params: jobs.ToRequestParams(req.Params),
	})
	if err != nil {
		ss.respondWithError(w, r, http.StatusServiceUnavailable, "Generation queue unavailable", err)
		return
	}

	ss.logger.WithFields(logrus.Fields{
		"jobID":  job.ID,
		"tracks": len(paths),
		"genre":  string(g),
	}).Info("Generation requested")

	ss.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"jobId":   job.ID,
		"job":     job,
	})
}

func (ss *StudioServer) defaultParams() models.GenerationParams {
	duration := ss.config.Generator.DefaultDuration
	if duration < MinDuration || duration > MaxDuration {
		duration = 30
	}
	return models.GenerationParams{
		Duration:    duration,
		Temperature: 1.0,
		TopK:        250,
		TopP:        0.0,
		CFGCoef:     3.0,
	}
}

// handleListJobs returns recent jobs, newest first
func (ss *StudioServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all := ss.jobs.GetAllJobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := all[:0]
		for _, job := range all {
			if string(job.Status) == status {
				filtered = append(filtered, job)
			}
		}
		all = filtered
	}
	if all == nil {
		all = []models.GenerationJob{}
	}
	ss.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  all,
		"count": len(all),
	})
}

// handleCleanupJobs drops finished jobs older than ?age= minutes (default 60)
func (ss *StudioServer) handleCleanupJobs(w http.ResponseWriter, r *http.Request) {
	age := 60
	if raw := r.URL.Query().Get("age"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ss.respondWithValidationError(w, r, []ValidationError{{
				Field:   "age",
				Message: "Age must be a non-negative number of minutes",
				Code:    "INVALID_AGE",
			}})
			return
		}
		age = parsed
	}

	removed := ss.jobs.CleanupCompletedJobs(time.Duration(age) * time.Minute)
	ss.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

// handleGetJob returns one job
func (ss *StudioServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := ss.jobs.GetJob(r.PathValue("id"))
	if err != nil {
		ss.respondWithError(w, r, http.StatusNotFound, "Job not found", nil)
		return
	}
	ss.respondJSON(w, http.StatusOK, job)
}

// handleJobEvents streams job updates as server-sent events until the job finishes
func (ss *StudioServer) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		ss.respondWithError(w, r, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	updates, ok := ss.jobs.Subscribe(jobID)
	if !ok {
		// Finished jobs from earlier runs only live in the store
		job, err := ss.jobs.GetJob(jobID)
		if err != nil {
			ss.respondWithError(w, r, http.StatusNotFound, "Job not found", nil)
			return
		}
		ss.startEventStream(w)
		writeEvent(w, job)
		flusher.Flush()
		return
	}
	defer ss.jobs.Unsubscribe(jobID, updates)

	ss.startEventStream(w)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case job, open := <-updates:
			if !open {
				return
			}
			if err := writeEvent(w, &job); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (ss *StudioServer) startEventStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, job *models.GenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
	return err
}
