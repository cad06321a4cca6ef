package gemini

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	block    bool
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, cfg
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: data}},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
	}
}

func testCall() *model.Call {
	frame := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	return &model.Call{
		Prompt:         "two friends on a bridge",
		NegativePrompt: "blurry",
		Adapters: []model.Adapter{
			{Name: "style", Images: []image.Image{frame}, Scales: []float64{0.4}},
			{Name: "faceid", Images: []image.Image{frame, frame}, Scales: []float64{0.5, 0.5}},
		},
		ControlImage:  image.NewGray(image.Rect(0, 0, 8, 8)),
		ControlSource: "depth",
		Seed:          1234,
		Width:         8,
		Height:        8,
	}
}

func TestPipeline_Generate(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse(pngBytes(t, 8, 8))}
	p := NewWithGenerator(gen, Config{Model: "gemini-2.5-flash-image"}, zap.NewNop())

	res, err := p.Generate(context.Background(), testCall())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), res.Seed)
	assert.Equal(t, 8, res.Image.Bounds().Dx())

	assert.Equal(t, "gemini-2.5-flash-image", gen.model)
	assert.Equal(t, []string{"IMAGE"}, gen.config.ResponseModalities)
	require.NotNil(t, gen.config.Seed)
	assert.Equal(t, int32(1234), *gen.config.Seed)

	require.Len(t, gen.contents, 1)
	parts := gen.contents[0].Parts
	// 指令 + (标签 + 1 图) + (标签 + 2 图) + (标签 + 控制图)
	require.Len(t, parts, 8)
	assert.Contains(t, parts[0].Text, "two friends on a bridge")
	assert.Contains(t, parts[0].Text, "Avoid: blurry")
	assert.Equal(t, "image/jpeg", parts[2].InlineData.MIMEType)
	assert.Equal(t, "image/png", parts[7].InlineData.MIMEType)
}

func TestPipeline_SeedOutOfRange(t *testing.T) {
	for _, seed := range []int64{-1, math.MaxInt32 + 1, 1 << 40} {
		gen := &fakeGenerator{resp: imageResponse(pngBytes(t, 8, 8))}
		p := NewWithGenerator(gen, Config{}, zap.NewNop())
		call := testCall()
		call.Seed = seed

		_, err := p.Generate(context.Background(), call)
		require.Error(t, err, "seed %d", seed)
		assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
		assert.Nil(t, gen.config, "no request is sent for seed %d", seed)
	}

	gen := &fakeGenerator{resp: imageResponse(pngBytes(t, 8, 8))}
	p := NewWithGenerator(gen, Config{}, zap.NewNop())
	call := testCall()
	call.Seed = math.MaxInt32
	res, err := p.Generate(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt32), res.Seed)
	assert.Equal(t, int32(math.MaxInt32), *gen.config.Seed)
}

func TestPipeline_RecordsBackendCalls(t *testing.T) {
	rec := &recorder{}
	p := NewWithGenerator(&fakeGenerator{err: errors.New("boom")}, Config{}, zap.NewNop(), WithRecorder(rec))

	_, err := p.Generate(context.Background(), testCall())
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
	assert.Equal(t, []string{"error"}, rec.statuses)
}

func TestPipeline_Timeout(t *testing.T) {
	p := NewWithGenerator(&fakeGenerator{block: true}, Config{Timeout: 10 * time.Millisecond}, zap.NewNop())

	_, err := p.Generate(context.Background(), testCall())
	assert.Equal(t, types.ErrUpstreamTimeout, types.GetErrorCode(err))
}

func TestFirstImage(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		code types.ErrorCode
	}{
		{name: "nil response", resp: nil, code: types.ErrUpstreamError},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}, code: types.ErrUpstreamError},
		{
			name: "prompt blocked",
			resp: &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety}},
			code: types.ErrContentFiltered,
		},
		{
			name: "safety stop",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
			code: types.ErrContentFiltered,
		},
		{
			name: "text only",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content:      &genai.Content{Parts: []*genai.Part{{Text: "sorry"}}},
				FinishReason: genai.FinishReasonStop,
			}}},
			code: types.ErrUpstreamError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := firstImage(tt.resp)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
}

func TestPipeline_UndecodableImage(t *testing.T) {
	p := NewWithGenerator(&fakeGenerator{resp: imageResponse([]byte("garbage"))}, Config{}, zap.NewNop())

	_, err := p.Generate(context.Background(), testCall())
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{}, zap.NewNop())
	assert.Error(t, err)
}

type recorder struct {
	statuses []string
}

func (r *recorder) RecordBackendRequest(_, _, status string, _ time.Duration) {
	r.statuses = append(r.statuses, status)
}
