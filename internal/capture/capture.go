// Package capture provides the frame and detection sources that feed the
// counting pipeline: live RTSP cameras decoded through gocv and ONNX
// models, and JSONL replay files recorded from earlier runs. The counting
// packages depend only on the contracts here, never on gocv, so a replay
// file can drive the full pipeline on a machine without OpenCV.
package capture

import (
	"context"
	"image"
	"net/url"

	"github.com/banshee-data/footfall.report/internal/vision"
)

// FrameSource delivers decoded frames in order. Next blocks until a frame
// is available and returns io.EOF once the source is exhausted; a cancelled
// context returns ctx.Err().
type FrameSource interface {
	Next(ctx context.Context) (vision.Frame, error)
	Close() error
}

// Detector produces person detections for a frame, already filtered to the
// person class and the configured confidence floor.
type Detector interface {
	Detect(frame vision.Frame) ([]vision.Detection, error)
}

// Classifier labels one person crop as staff or customer with a confidence.
// Crops the classifier cannot decide on come back as vision.LabelUnknown.
type Classifier interface {
	Classify(frame vision.Frame, box vision.BBox) (vision.Label, float64, error)
}

// Embedder computes an L2-normalised appearance vector for one person crop,
// vision.EmbeddingDim wide.
type Embedder interface {
	Embed(frame vision.Frame, box vision.BBox) ([]float32, error)
}

// SourceURL builds the dialable stream URL for a channel, splicing the
// configured credentials into an rtsp:// source. Non-URL sources (device
// indexes, file paths) pass through untouched.
func SourceURL(source, username, password string) string {
	if username == "" {
		return source
	}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		return source
	}
	if password != "" {
		u.User = url.UserPassword(username, password)
	} else {
		u.User = url.User(username)
	}
	return u.String()
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropROI cuts the detection box out of the frame image, clamped to the
// image bounds. ok is false when the clamped box is empty or the image
// type cannot produce sub-images.
func cropROI(img image.Image, box vision.BBox) (image.Image, bool) {
	if img == nil {
		return nil, false
	}
	si, ok := img.(subImager)
	if !ok {
		return nil, false
	}
	rect := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2))
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return nil, false
	}
	return si.SubImage(rect), true
}
