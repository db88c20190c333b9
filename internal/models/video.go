package models

import (
	"time"

	"github.com/google/uuid"
)

// Video is one uploaded recording: a storage object plus this metadata row.
// Views doubles as the sample count for the completion-rate running average,
// which skews the average when a page load never reports progress. That
// coupling is kept deliberately; see DESIGN.md.
type Video struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	Filename       string    `json:"filename"`
	Duration       float64   `json:"duration"`
	Views          int64     `json:"views"`
	CompletionRate float64   `json:"completion_rate"`
	TrimStart      *float64  `json:"trim_start,omitempty"`
	TrimEnd        *float64  `json:"trim_end,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DefaultTitle returns the timestamped placeholder used when no title is given.
func DefaultTitle(now time.Time) string {
	return "Screen Recording " + now.Format("2006-01-02 15:04:05")
}
