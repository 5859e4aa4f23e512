package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

const (
	// Buffer size for streaming (64KB)
	streamBufferSize = 64 * 1024
)

// handleStreamFile streams a blend, reference or phantom track from the scratch directory
func (ss *StudioServer) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if verr := validateArtifactName(name); verr != nil {
		ss.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	path, err := ss.scratch.Resolve(name)
	if err != nil {
		ss.respondWithError(w, r, http.StatusBadRequest, "Invalid file name", err)
		return
	}

	if err := ss.streamFile(w, r, path, ss.extractor.GetContentType(path)); err != nil {
		if os.IsNotExist(err) {
			ss.respondWithError(w, r, http.StatusNotFound, "File not found", nil)
			return
		}
		ss.logger.WithError(err).WithField("file", name).Warn("Error streaming file")
	}
}

// streamFile serves a file with buffering, caching headers and Range support
func (ss *StudioServer) streamFile(w http.ResponseWriter, r *http.Request, filePath string, contentType string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("error reading file info: %w", err)
	}
	fileSize := stat.Size()
	etag := fmt.Sprintf(`"%d-%d"`, stat.ModTime().Unix(), fileSize)

	// Artifacts never change once written
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, stat.Name()))
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		return handleRangeRequest(w, file, fileSize, rangeHeader)
	}

	w.Header().Set("Content-Length", strconv.FormatInt(fileSize, 10))

	bufferedReader := bufio.NewReaderSize(file, streamBufferSize)
	buffer := make([]byte, streamBufferSize)
	if _, err := io.CopyBuffer(w, bufferedReader, buffer); err != nil {
		return fmt.Errorf("error streaming file: %w", err)
	}
	return nil
}

// handleRangeRequest implements simple single-range byte serving for seeking.
func handleRangeRequest(w http.ResponseWriter, file *os.File, fileSize int64, rangeHeader string) error {
	start, end, ok := parseRange(rangeHeader, fileSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fileSize))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	contentLength := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fileSize))
	w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return err
	}
	_, err := io.CopyN(w, file, contentLength)
	return err
}

// parseRange parses "bytes=start-end", "bytes=start-" and "bytes=-suffix"
func parseRange(header string, fileSize int64) (int64, int64, bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		suffix = min(suffix, fileSize)
		return fileSize - suffix, fileSize - 1, fileSize > 0
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end := fileSize - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = min(end, fileSize-1)
	}

	if start < 0 || start > end || start >= fileSize {
		return 0, 0, false
	}
	return start, end, true
}
