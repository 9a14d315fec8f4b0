package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBBox_Centroid(t *testing.T) {
	t.Parallel()

	b := BBox{X1: 10, Y1: 20, X2: 30, Y2: 60}
	c := b.Centroid()
	assert.Equal(t, 20.0, c.X)
	assert.Equal(t, 40.0, c.Y)
}

func TestBBox_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, BBox{0, 0, 10, 10}.Valid())
	assert.False(t, BBox{10, 0, 10, 10}.Valid(), "zero width")
	assert.False(t, BBox{0, 10, 10, 5}.Valid(), "inverted y")
}

func TestBBox_IoU(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", BBox{0, 0, 10, 10}, BBox{0, 0, 10, 10}, 1.0},
		{"disjoint", BBox{0, 0, 10, 10}, BBox{20, 20, 30, 30}, 0.0},
		{"half overlap", BBox{0, 0, 10, 10}, BBox{5, 0, 15, 10}, 50.0 / 150.0},
		{"touching edges", BBox{0, 0, 10, 10}, BBox{10, 0, 20, 10}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), 1e-9)
		})
	}
}

func TestDetection_Staff(t *testing.T) {
	t.Parallel()

	assert.False(t, Detection{}.Staff())
	assert.True(t, Detection{IsStaff: true}.Staff())
	assert.True(t, Detection{PersonType: LabelStaff}.Staff())
	assert.False(t, Detection{PersonType: LabelCustomer}.Staff())
}

func TestDetection_HasEmbedding(t *testing.T) {
	t.Parallel()

	assert.False(t, Detection{}.HasEmbedding())
	assert.False(t, Detection{Embedding: make([]float32, 64)}.HasEmbedding(), "wrong dimension")
	assert.True(t, Detection{Embedding: make([]float32, EmbeddingDim)}.HasEmbedding())
}
