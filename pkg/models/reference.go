package models

import "time"

// ReferenceTrack represents an uploaded reference clip available for blending
type ReferenceTrack struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist,omitempty"`
	Format     string    `json:"format"`
	Duration   float64   `json:"duration"` // in seconds
	FilePath   string    `json:"-"`        // don't expose file path to client
	FileSize   int64     `json:"fileSize"`
	UploadedAt time.Time `json:"uploadedAt"`
}
