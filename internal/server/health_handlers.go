package server

import (
	"net/http"
	"os"
	"time"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Database   string                 `json:"database"`
	Storage    string                 `json:"storage"`
	Model      string                 `json:"model"`
	References int                    `json:"referenceCount"`
	PublicURL  string                 `json:"publicUrl,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (ss *StudioServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Database:   "ok",
		Storage:    "ok",
		Model:      "not_loaded",
		References: len(ss.references.List()),
		PublicURL:  ss.ngrokService.GetPublicURL(),
		Details:    make(map[string]interface{}),
	}

	if err := ss.checkDatabaseHealth(); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	}

	if err := ss.checkStorageHealth(); err != nil {
		health.Status = "unhealthy"
		health.Storage = "error"
		health.Details["storage_error"] = err.Error()
	}

	// The model loads lazily, so an unloaded model does not make the service unhealthy
	if ss.handle != nil && ss.handle.Loaded() {
		health.Model = "loaded"
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	ss.respondJSON(w, status, health)
}

// checkDatabaseHealth pings the job history store
func (ss *StudioServer) checkDatabaseHealth() error {
	if ss.db == nil {
		return nil
	}
	return ss.db.Ping()
}

// checkStorageHealth verifies the scratch directory accepts writes
func (ss *StudioServer) checkStorageHealth() error {
	f, err := os.CreateTemp(ss.scratch.Path(), ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
