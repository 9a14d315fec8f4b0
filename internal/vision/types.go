// Package vision defines the domain types carried through the counting
// pipeline: frames, person detections, and the staff/customer labels. The
// capture adapters produce these, the tracker annotates them, and the
// counters consume them; nothing here touches a camera or a model.
package vision

import (
	"image"
	"time"

	"github.com/banshee-data/footfall.report/internal/geo"
)

// EmbeddingDim is the length of a person re-identification vector. Vectors
// of any other length are rejected as malformed input.
const EmbeddingDim = 128

// Label is a staff classification outcome.
type Label string

const (
	LabelStaff    Label = "staff"
	LabelCustomer Label = "customer"
	LabelUnknown  Label = "unknown"
)

// BBox is a detection box in frame pixels, top-left origin.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Valid reports whether the box has positive extent in both axes.
func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Centroid returns the box midpoint, the position used for all zone tests.
func (b BBox) Centroid() geo.Point {
	return geo.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Area returns the box area in square pixels.
func (b BBox) Area() float64 {
	if !b.Valid() {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// IoU returns intersection-over-union with o, in [0,1].
func (b BBox) IoU(o BBox) float64 {
	ix1 := max(b.X1, o.X1)
	iy1 := max(b.Y1, o.Y1)
	ix2 := min(b.X2, o.X2)
	iy2 := min(b.Y2, o.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one tracked person observation within a frame. TrackID is
// assigned by the tracker; everything after it is optional enrichment from
// the classifier, embedder, or a replay file.
type Detection struct {
	TrackID    int       `json:"track_id"`
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	ChannelID  int       `json:"channel_id"`
	Embedding  []float32 `json:"embedding,omitempty"`
	PersonType Label     `json:"person_type,omitempty"`
	// ClassConfidence is the staff classifier's confidence in PersonType,
	// distinct from the detector's Confidence.
	ClassConfidence float64 `json:"class_confidence,omitempty"`
	IsStaff         bool    `json:"is_staff,omitempty"`
	PersonID        string  `json:"person_id,omitempty"`
}

// Staff reports whether the detection is marked staff by either field.
func (d Detection) Staff() bool {
	return d.IsStaff || d.PersonType == LabelStaff
}

// HasEmbedding reports whether the detection carries a usable re-id vector.
func (d Detection) HasEmbedding() bool {
	return len(d.Embedding) == EmbeddingDim
}

// Frame is one decoded video frame's metadata. Image is nil for replayed
// detection streams; adapters that need pixels check before cropping.
type Frame struct {
	Num    int64
	Time   time.Time
	Width  int
	Height int
	Image  image.Image
}
