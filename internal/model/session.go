package model

import (
	"time"
)

// Session is one labeling campaign over a snapshot of the image corpus.
type Session struct {
	ID              int64     `json:"session_id" yaml:"session_id"`
	Completed       bool      `json:"completed" yaml:"completed"`
	LastUpdated     time.Time `json:"last_updated" yaml:"last_updated"`
	ImagesAvailable bool      `json:"images_available" yaml:"images_available"`
	ImageTotal      int       `json:"img_total" yaml:"img_total"`
	ImageProcessed  int       `json:"img_processed" yaml:"img_processed"`
	ImageLabeled    int       `json:"img_labeled" yaml:"img_labeled"`
	LabelMap        LabelMap  `json:"label_map,omitempty" yaml:"label_map,omitempty"`
}

// Counts holds the three counters recomputed from the image table.
type Counts struct {
	Labeled   int `json:"labeled"`
	Total     int `json:"total"`
	Processed int `json:"processed"`
}

// ImageRecord is one image's state within one session.
type ImageRecord struct {
	ID        int64  `json:"image_id"`
	Name      string `json:"name"`
	SessionID int64  `json:"session_id"`
	Processed bool   `json:"processed"`
	Label     string `json:"label,omitempty"` // empty = unlabeled
}

// Labeled reports whether a human has assigned a label.
func (r ImageRecord) Labeled() bool {
	return r.Label != ""
}

// Prediction is a classifier-proposed label awaiting human confirmation.
type Prediction struct {
	ID        int64     `json:"pred_id"`
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	SessionID int64     `json:"session_id"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorRecord is a failure captured while predicting a single image.
type ErrorRecord struct {
	ID        string    `json:"id"`
	SessionID int64     `json:"session_id"`
	Traceback string    `json:"traceback"`
	ImagePath string    `json:"image_path"`
	Timestamp time.Time `json:"timestamp"`
}

// ClassCount is one row of a class histogram.
type ClassCount struct {
	Label string `json:"label" yaml:"label"`
	Count int    `json:"count" yaml:"count"`
}

// Histogram is the per-class labeled count for a session. Unlabeled images
// are reported separately and never appear in Classes.
type Histogram struct {
	Classes   []ClassCount `json:"classes" yaml:"classes"`
	Unlabeled int          `json:"unlabeled" yaml:"unlabeled"`
}

// Count returns the labeled count for label, or 0.
func (h Histogram) Count(label string) int {
	for _, c := range h.Classes {
		if c.Label == label {
			return c.Count
		}
	}
	return 0
}

// Labeled returns the total number of labeled images across all classes.
func (h Histogram) Labeled() int {
	n := 0
	for _, c := range h.Classes {
		n += c.Count
	}
	return n
}

// AsMap returns the histogram as label -> count.
func (h Histogram) AsMap() map[string]int {
	m := make(map[string]int, len(h.Classes))
	for _, c := range h.Classes {
		m[c.Label] = c.Count
	}
	return m
}
