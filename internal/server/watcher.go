package server

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// startFileWatcher watches the upload directory for files added or removed outside the API
func (ss *StudioServer) startFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	ss.watcher = watcher

	if err := watcher.Add(ss.config.Storage.UploadDir); err != nil {
		watcher.Close()
		ss.watcher = nil
		return err
	}

	go ss.watchFiles(watcher)

	ss.logger.WithField("upload_dir", ss.config.Storage.UploadDir).Info("Upload watcher started")
	return nil
}

// watchFiles selects on watcher channels and dispatches events.
func (ss *StudioServer) watchFiles(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ss.handleFileEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ss.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleFileEvent applies filtering & delegates creation/removal actions.
func (ss *StudioServer) handleFileEvent(event fsnotify.Event) {
	// Ignore temporary files and hidden files
	fileName := filepath.Base(event.Name)
	if strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, ".tmp") {
		return
	}
	if !ss.extractor.IsAudioFile(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		go func(name string) {
			time.Sleep(500 * time.Millisecond) // Ensure file is fully written
			ss.handleNewFile(name)
		}(event.Name)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		ss.handleRemovedFile(event.Name)
	}
}

// handleNewFile registers an audio file dropped into the upload directory
func (ss *StudioServer) handleNewFile(filePath string) {
	if _, ok := ss.references.FindByPath(filePath); ok {
		return
	}
	ref, err := ss.registerReference(filePath)
	if err != nil {
		ss.logger.WithError(err).WithField("file_path", filePath).Warn("Could not register new upload")
		return
	}
	ss.logger.WithFields(logrus.Fields{
		"id":    ref.ID,
		"title": ref.Title,
	}).Info("New reference detected")
}

// handleRemovedFile unregisters references whose file disappeared
func (ss *StudioServer) handleRemovedFile(filePath string) {
	ref, ok := ss.references.FindByPath(filePath)
	if !ok {
		return
	}
	ss.references.Delete(ref.ID)
	ss.logger.WithField("file_path", filePath).Info("Reference removed")
}

// stopFileWatcher closes the watcher (idempotent).
func (ss *StudioServer) stopFileWatcher() {
	if ss.watcher != nil {
		ss.watcher.Close()
		ss.watcher = nil
	}
}
