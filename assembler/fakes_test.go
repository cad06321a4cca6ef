package assembler

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/framegen/internal/cache"
	"github.com/BaSui01/framegen/model"
)

func frame(w, h int, shade uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = shade, shade, shade, 255
	}
	return img
}

type fakeEncoder struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEncoder) EncodeImage(_ context.Context, img image.Image) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	v := make([]float32, model.ClipEmbedDim)
	for i := range v {
		v[i] = 1
	}
	return v, nil
}

type fakeDepth struct {
	err error
}

// EstimateDepth 返回低分辨率的水平渐变
func (f *fakeDepth) EstimateDepth(_ context.Context, img image.Image) (*model.DepthMap, error) {
	if f.err != nil {
		return nil, f.err
	}
	w, h := 4, 2
	vals := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vals[y*w+x] = float32(x)
		}
	}
	return &model.DepthMap{Width: w, Height: h, Values: vals}, nil
}

// fakeFaces 以图像左上角像素的灰度值作为人脸身份
type fakeFaces struct {
	calls  atomic.Int32
	noFace map[uint8]bool
	err    error
}

func (f *fakeFaces) DetectFaces(_ context.Context, img image.Image) ([]model.Face, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	shade := color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y
	if f.noFace[shade] {
		return nil, nil
	}
	low := make([]float32, model.FaceEmbedDim)
	high := make([]float32, model.FaceEmbedDim)
	for i := range high {
		low[i] = -1
		high[i] = float32(shade)
	}
	return []model.Face{
		{Score: 0.3, Embedding: low},
		{Score: 0.9, Embedding: high},
		{Score: 0.99},
	}, nil
}

type nopPipeline struct{}

func (nopPipeline) Name() string { return "nop" }
func (nopPipeline) Generate(context.Context, *model.Call) (*model.Result, error) {
	return nil, errors.New("unused")
}

type memCache struct {
	mu      sync.Mutex
	data    map[string][]float32
	readErr error
	sets    int
}

func newMemCache() *memCache { return &memCache{data: map[string][]float32{}} }

func (m *memCache) Key(kind, digest string) string { return kind + ":" + digest }

func (m *memCache) GetEmbedding(_ context.Context, key string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *memCache) SetEmbedding(_ context.Context, key string, vec []float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = vec
	m.sets++
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newRecorder() *countingRecorder {
	return &countingRecorder{hits: map[string]int{}, misses: map[string]int{}}
}

func (r *countingRecorder) RecordCacheHit(kind string) {
	r.mu.Lock()
	r.hits[kind]++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordCacheMiss(kind string) {
	r.mu.Lock()
	r.misses[kind]++
	r.mu.Unlock()
}
