package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/footfall.report/internal/config"
	"github.com/banshee-data/footfall.report/internal/timeutil"
	"github.com/banshee-data/footfall.report/internal/vision"
)

// nmsThreshold is the IoU above which overlapping detector boxes collapse
// into one.
const nmsThreshold = 0.45

// LiveSource decodes frames from an RTSP stream, video file, or capture
// device through OpenCV.
type LiveSource struct {
	vc        *gocv.VideoCapture
	mat       gocv.Mat
	channelID int
	num       int64
	clock     timeutil.Clock
}

// OpenLive opens a stream for decoding. The source is anything OpenCV can
// dial: an rtsp:// URL (use SourceURL to splice in credentials), a file
// path, or a numeric device index.
func OpenLive(source string, channelID int, clock timeutil.Clock) (*LiveSource, error) {
	vc, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("failed to open video source: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LiveSource{
		vc:        vc,
		mat:       gocv.NewMat(),
		channelID: channelID,
		clock:     clock,
	}, nil
}

// Next decodes the next frame. A failed read means the stream ended or the
// camera dropped the connection; both surface as io.EOF and the caller
// decides whether to redial.
func (s *LiveSource) Next(ctx context.Context) (vision.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return vision.Frame{}, err
		}
		if ok := s.vc.Read(&s.mat); !ok {
			return vision.Frame{}, io.EOF
		}
		if s.mat.Empty() {
			continue
		}
		img, err := s.mat.ToImage()
		if err != nil {
			return vision.Frame{}, fmt.Errorf("failed to convert frame: %w", err)
		}
		s.num++
		return vision.Frame{
			Num:    s.num,
			Time:   s.clock.Now(),
			Width:  s.mat.Cols(),
			Height: s.mat.Rows(),
			Image:  img,
		}, nil
	}
}

// Close releases the capture handle and its scratch buffer.
func (s *LiveSource) Close() error {
	if err := s.mat.Close(); err != nil {
		return err
	}
	return s.vc.Close()
}

// loadONNX reads an ONNX model and pins it to the default CPU backend,
// failing fast on a missing or unreadable file.
func loadONNX(path string) (gocv.Net, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return net, fmt.Errorf("failed to read ONNX model %q", path)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		return net, fmt.Errorf("failed to set model backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		return net, fmt.Errorf("failed to set model target: %w", err)
	}
	return net, nil
}

// ONNXDetector runs a YOLO-family person detector over full frames.
type ONNXDetector struct {
	net         gocv.Net
	inputSize   int
	personClass int
	minConf     float64
}

// NewONNXDetector loads the detector model named by the config.
func NewONNXDetector(models *config.ModelConfig, counting *config.CountingConfig) (*ONNXDetector, error) {
	net, err := loadONNX(models.GetDetectorONNX())
	if err != nil {
		return nil, err
	}
	return &ONNXDetector{
		net:         net,
		inputSize:   models.GetDetectorInput(),
		personClass: models.GetPersonClassID(),
		minConf:     counting.GetMinConfidence(),
	}, nil
}

// Detect runs one forward pass and returns the person boxes above the
// confidence floor, de-duplicated by non-maximum suppression. Boxes come
// back in frame pixel coordinates.
func (d *ONNXDetector) Detect(frame vision.Frame) ([]vision.Detection, error) {
	if frame.Image == nil {
		return nil, nil
	}
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame for detection: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read detector output: %w", err)
	}

	// YOLO v8 family lays the output out channel-major: sizes are
	// [1, 4+classes, anchors] and attribute k of anchor i sits at
	// data[k*anchors+i]. Rows 0..3 are cx, cy, w, h in input pixels.
	sizes := out.Size()
	if len(sizes) != 3 {
		return nil, fmt.Errorf("unexpected detector output rank %d", len(sizes))
	}
	attrs, anchors := sizes[1], sizes[2]
	if row := 4 + d.personClass; row >= attrs || len(data) < attrs*anchors {
		return nil, fmt.Errorf("detector output %dx%d has no class %d", attrs, anchors, d.personClass)
	}

	sx := float64(mat.Cols()) / float64(d.inputSize)
	sy := float64(mat.Rows()) / float64(d.inputSize)

	var rects []image.Rectangle
	var scores []float32
	for i := 0; i < anchors; i++ {
		score := data[(4+d.personClass)*anchors+i]
		if float64(score) < d.minConf {
			continue
		}
		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])
		rects = append(rects, image.Rect(
			int(math.Round((cx-w/2)*sx)),
			int(math.Round((cy-h/2)*sy)),
			int(math.Round((cx+w/2)*sx)),
			int(math.Round((cy+h/2)*sy)),
		))
		scores = append(scores, score)
	}
	if len(rects) == 0 {
		return nil, nil
	}

	detections := make([]vision.Detection, 0, len(rects))
	for _, i := range gocv.NMSBoxes(rects, scores, float32(d.minConf), nmsThreshold) {
		r := rects[i].Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
		if r.Empty() {
			continue
		}
		detections = append(detections, vision.Detection{
			BBox: vision.BBox{
				X1: float64(r.Min.X),
				Y1: float64(r.Min.Y),
				X2: float64(r.Max.X),
				Y2: float64(r.Max.Y),
			},
			Confidence: float64(scores[i]),
		})
	}
	return detections, nil
}

// Close releases the model.
func (d *ONNXDetector) Close() error {
	return d.net.Close()
}

// classifierInput is the square side the staff classifier was trained on.
const classifierInput = 224

// minClassProb is the softmax floor under which a crop stays unlabelled.
const minClassProb = 0.5

// ONNXClassifier scores person crops as staff or customer. Its model emits
// one logit per class with the customer class first.
type ONNXClassifier struct {
	net gocv.Net
}

// NewONNXClassifier loads the staff classifier model.
func NewONNXClassifier(path string) (*ONNXClassifier, error) {
	net, err := loadONNX(path)
	if err != nil {
		return nil, err
	}
	return &ONNXClassifier{net: net}, nil
}

// Classify labels the crop under box. Crops the model is unsure about come
// back as vision.LabelUnknown with the losing confidence, so voters can
// weigh them down rather than discard them.
func (c *ONNXClassifier) Classify(frame vision.Frame, box vision.BBox) (vision.Label, float64, error) {
	roi, ok := cropROI(frame.Image, box)
	if !ok {
		return vision.LabelUnknown, 0, nil
	}
	mat, err := gocv.ImageToMatRGB(roi)
	if err != nil {
		return vision.LabelUnknown, 0, fmt.Errorf("failed to convert crop for classification: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(classifierInput, classifierInput),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	defer out.Close()

	logits, err := out.DataPtrFloat32()
	if err != nil {
		return vision.LabelUnknown, 0, fmt.Errorf("failed to read classifier output: %w", err)
	}
	if len(logits) < 2 {
		return vision.LabelUnknown, 0, fmt.Errorf("classifier emitted %d logits, want 2", len(logits))
	}

	probs := softmax(logits[:2])
	label, prob := vision.LabelCustomer, probs[0]
	if probs[1] > probs[0] {
		label, prob = vision.LabelStaff, probs[1]
	}
	if prob < minClassProb {
		return vision.LabelUnknown, prob, nil
	}
	return label, prob, nil
}

// Close releases the model.
func (c *ONNXClassifier) Close() error {
	return c.net.Close()
}

func softmax(logits []float32) []float64 {
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// embedderWidth and embedderHeight are the person re-id model's input
// size, the usual half-width portrait aspect for full-body crops.
const (
	embedderWidth  = 64
	embedderHeight = 128
)

// ONNXEmbedder computes appearance vectors for person crops.
type ONNXEmbedder struct {
	net gocv.Net
}

// NewONNXEmbedder loads the re-id embedding model.
func NewONNXEmbedder(path string) (*ONNXEmbedder, error) {
	net, err := loadONNX(path)
	if err != nil {
		return nil, err
	}
	return &ONNXEmbedder{net: net}, nil
}

// Embed returns the L2-normalised embedding of the crop under box, or nil
// when the crop is degenerate. Matching works on cosine similarity, so the
// normalisation here lets the store compare vectors with plain dot
// products.
func (e *ONNXEmbedder) Embed(frame vision.Frame, box vision.BBox) ([]float32, error) {
	roi, ok := cropROI(frame.Image, box)
	if !ok {
		return nil, nil
	}
	mat, err := gocv.ImageToMatRGB(roi)
	if err != nil {
		return nil, fmt.Errorf("failed to convert crop for embedding: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(embedderWidth, embedderHeight),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read embedder output: %w", err)
	}
	if len(data) < vision.EmbeddingDim {
		return nil, fmt.Errorf("embedder emitted %d values, want %d", len(data), vision.EmbeddingDim)
	}

	vec := make([]float64, vision.EmbeddingDim)
	for i := range vec {
		vec[i] = float64(data[i])
	}
	norm := floats.Norm(vec, 2)
	if norm == 0 {
		return nil, nil
	}

	emb := make([]float32, vision.EmbeddingDim)
	for i, v := range vec {
		emb[i] = float32(v / norm)
	}
	return emb, nil
}

// Close releases the model.
func (e *ONNXEmbedder) Close() error {
	return e.net.Close()
}
