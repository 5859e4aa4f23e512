package server

import (
	"net/http"
	"path/filepath"

	"phantomtrack/internal/genre"
)

// paramRange describes one tunable generation parameter
type paramRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// handleHome serves the main SPA / index file from the configured static dir.
func (ss *StudioServer) handleHome(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(ss.config.Server.StaticDir, "index.html"))
}

// handleGetConfig returns the defaults and limits the UI needs
func (ss *StudioServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"model":            ss.config.Generator.Model,
		"modelLoaded":      ss.handle != nil && ss.handle.Loaded(),
		"maxTracks":        ss.config.Blend.MaxTracks,
		"extractSeconds":   ss.config.Blend.ExtractSeconds,
		"crossfadeSeconds": ss.config.Blend.CrossfadeSeconds,
		"supportedFormats": ss.config.Blend.SupportedFormats,
		"maxUploadSizeMB":  ss.config.Storage.MaxUploadSizeMB,
		"defaultPrompt":    ss.config.Generator.DefaultPrompt,
		"params": map[string]paramRange{
			"duration":    {Min: MinDuration, Max: MaxDuration, Default: float64(ss.config.Generator.DefaultDuration)},
			"temperature": {Min: MinTemperature, Max: MaxTemperature, Default: 1.0},
			"topK":        {Min: MinTopK, Max: MaxTopK, Default: 250},
			"topP":        {Min: MinTopP, Max: MaxTopP, Default: 0.0},
			"cfgCoef":     {Min: MinCFGCoef, Max: MaxCFGCoef, Default: 3.0},
		},
	}
	ss.respondJSON(w, http.StatusOK, response)
}

// handleGetGenres returns the genre catalog
func (ss *StudioServer) handleGetGenres(w http.ResponseWriter, r *http.Request) {
	ss.respondJSON(w, http.StatusOK, map[string]interface{}{
		"genres":  genre.Catalog(),
		"default": genre.None,
	})
}
