package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"phantomtrack/internal/metadata"
	"phantomtrack/internal/scratch"
	"phantomtrack/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// sniffLength is enough leading bytes for every supported container signature
const sniffLength = 262

// uploadResult reports the outcome for one uploaded file
type uploadResult struct {
	Filename  string                 `json:"filename"`
	Reference *models.ReferenceTrack `json:"reference,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// handleListReferences returns the registered reference tracks
func (ss *StudioServer) handleListReferences(w http.ResponseWriter, r *http.Request) {
	refs := ss.references.List()
	if refs == nil {
		refs = []models.ReferenceTrack{}
	}
	ss.respondJSON(w, http.StatusOK, map[string]interface{}{
		"references": refs,
		"count":      len(refs),
	})
}

// handleUploadReferences stores uploaded audio files and registers them as references
func (ss *StudioServer) handleUploadReferences(w http.ResponseWriter, r *http.Request) {
	maxFile := ss.config.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxFile*int64(ss.config.Blend.MaxTracks)+(1<<20))

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		ss.respondWithError(w, r, http.StatusBadRequest, "Failed to parse upload form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		ss.respondWithError(w, r, http.StatusBadRequest, "No files provided", nil)
		return
	}
	if len(headers) > ss.config.Blend.MaxTracks {
		ss.respondWithValidationError(w, r, []ValidationError{{
			Field:   "files",
			Message: fmt.Sprintf("Too many files (max %d per upload)", ss.config.Blend.MaxTracks),
			Code:    "TOO_MANY_FILES",
		}})
		return
	}

	uploads, err := scratch.New(ss.config.Storage.UploadDir)
	if err != nil {
		ss.respondWithError(w, r, http.StatusInternalServerError, "Upload directory unavailable", err)
		return
	}

	results := make([]uploadResult, len(headers))
	saved := make([]string, len(headers))
	for i, header := range headers {
		results[i].Filename = header.Filename
		if header.Size > maxFile {
			results[i].Error = fmt.Sprintf("File exceeds %d MB limit", ss.config.Storage.MaxUploadSizeMB)
			continue
		}
		path, err := ss.saveUpload(uploads, header)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		saved[i] = path
	}

	// Probe saved files concurrently
	var g errgroup.Group
	g.SetLimit(4)
	for i := range saved {
		if saved[i] == "" {
			continue
		}
		g.Go(func() error {
			ref, err := ss.registerReference(saved[i])
			if err != nil {
				os.Remove(saved[i])
				results[i].Error = "Could not read audio file"
				return nil
			}
			results[i].Reference = &ref
			return nil
		})
	}
	g.Wait()

	accepted := 0
	for _, res := range results {
		if res.Reference != nil {
			accepted++
		}
	}

	ss.logger.WithFields(logrus.Fields{
		"files":    len(headers),
		"accepted": accepted,
	}).Info("Reference upload processed")

	status := http.StatusCreated
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	ss.respondJSON(w, status, map[string]interface{}{
		"success": accepted > 0,
		"results": results,
	})
}

// saveUpload checks the file signature and copies it into the upload directory
func (ss *StudioServer) saveUpload(uploads *scratch.Dir, header *multipart.FileHeader) (string, error) {
	file, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	ext, err := ss.extractor.SniffFormat(head[:n])
	if err != nil {
		if errors.Is(err, metadata.ErrFormatMismatch) {
			return "", fmt.Errorf("unsupported file type. Supported formats: %s", strings.Join(ss.config.Blend.SupportedFormats, ", "))
		}
		return "", err
	}

	// Sanitize filename to prevent path traversal; trust the detected format
	base := filepath.Base(header.Filename)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.TrimLeft(sanitizeInput(name), ".")
	if name == "" || name == "/" {
		name = "reference"
	}

	dest, err := uploads.CreateNamed(name + ext)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dest.Close()

	if _, err := dest.Write(head[:n]); err == nil {
		_, err = io.Copy(dest, file)
	}
	if err != nil {
		os.Remove(dest.Name())
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return dest.Name(), nil
}

// registerReference probes path and adds it to the reference registry
func (ss *StudioServer) registerReference(path string) (models.ReferenceTrack, error) {
	if ref, ok := ss.references.FindByPath(path); ok {
		return ref, nil
	}

	ref, err := ss.extractor.Probe(path)
	if err != nil {
		return models.ReferenceTrack{}, err
	}
	if ref.Duration <= 0 {
		return models.ReferenceTrack{}, fmt.Errorf("no audio in %s", filepath.Base(path))
	}

	ss.registerMu.Lock()
	defer ss.registerMu.Unlock()
	if existing, ok := ss.references.FindByPath(path); ok {
		return existing, nil
	}

	ref.ID = uuid.New().String()
	ref.UploadedAt = time.Now()
	ss.references.Put(ref)

	ss.logger.WithFields(logrus.Fields{
		"id":       ref.ID,
		"title":    ref.Title,
		"duration": ref.Duration,
	}).Info("Registered reference track")
	return ref, nil
}

// handleDeleteReference unregisters a reference and removes its file
func (ss *StudioServer) handleDeleteReference(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref, ok := ss.references.GetReference(id)
	if !ok {
		ss.respondWithError(w, r, http.StatusNotFound, "Reference not found", nil)
		return
	}

	ss.references.Delete(id)
	if err := os.Remove(ref.FilePath); err != nil && !os.IsNotExist(err) {
		ss.logger.WithError(err).WithField("file_path", ref.FilePath).Warn("Failed to remove reference file")
	}

	ss.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

// resolveReferences maps reference IDs onto file paths, preserving order
func (ss *StudioServer) resolveReferences(ids []string) ([]string, *ValidationError) {
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		ref, ok := ss.references.GetReference(id)
		if !ok {
			return nil, &ValidationError{
				Field:   "referenceIds",
				Message: fmt.Sprintf("Reference not found: %s", id),
				Code:    "UNKNOWN_REFERENCE",
			}
		}
		paths = append(paths, ref.FilePath)
	}
	return paths, nil
}

// scanUploads registers audio files already present in the upload directory
func (ss *StudioServer) scanUploads() {
	entries, err := os.ReadDir(ss.config.Storage.UploadDir)
	if err != nil {
		ss.logger.WithError(err).Warn("Could not scan upload directory")
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, entry := range entries {
		path := filepath.Join(ss.config.Storage.UploadDir, entry.Name())
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !ss.extractor.IsAudioFile(path) {
			continue
		}
		g.Go(func() error {
			if _, err := ss.registerReference(path); err != nil {
				ss.logger.WithError(err).WithField("file_path", path).Warn("Skipping unreadable upload")
			}
			return nil
		})
	}
	g.Wait()
}
