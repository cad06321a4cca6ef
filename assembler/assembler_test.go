package assembler

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func defaultConfig() Config {
	return Config{StyleScale: 0.4, FaceScale: 0.5}
}

func fullRegistry() (*model.Registry, *fakeEncoder, *fakeFaces) {
	enc := &fakeEncoder{}
	faces := &fakeFaces{}
	return &model.Registry{
		Pipeline: nopPipeline{},
		Depth:    &fakeDepth{},
		Faces:    faces,
		Encoder:  enc,
	}, enc, faces
}

func TestBuild_FullRegistry(t *testing.T) {
	reg, _, _ := fullRegistry()
	a := New(defaultConfig(), zap.NewNop())

	out, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(64, 48, 100),
		Characters: []*image.NRGBA{frame(32, 32, 10), frame(40, 40, 20)},
		Prompt:     "  a fox in the snow ",
	})
	require.NoError(t, err)

	assert.Equal(t, "a fox in the snow", out.Prompt)
	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 48, out.Height)
	require.Len(t, out.Adapters, 2)

	style := out.Adapters[0]
	assert.Equal(t, AdapterStyle, style.Name)
	assert.Equal(t, []float64{0.4}, style.Scales)
	require.NotNil(t, style.Embeds)
	assert.Equal(t, []int{2, 1, model.ClipEmbedDim}, style.Embeds.Shape)
	assert.Equal(t, float32(0), style.Embeds.At(0, 0, 5), "negative half is zero")
	assert.Equal(t, float32(1), style.Embeds.At(1, 0, 5))

	face := out.Adapters[1]
	assert.Equal(t, AdapterFaceID, face.Name)
	assert.Equal(t, []float64{0.5, 0.5}, face.Scales)
	assert.Len(t, face.Images, 2)
	require.NotNil(t, face.Embeds)
	assert.Equal(t, []int{2, 2, model.FaceEmbedDim}, face.Embeds.Shape)
	assert.Equal(t, float32(10), face.Embeds.At(1, 0, 0), "highest scoring face wins, order kept")
	assert.Equal(t, float32(20), face.Embeds.At(1, 1, 0))
	assert.Equal(t, float32(0), face.Embeds.At(0, 1, 0))

	assert.Equal(t, ControlDepth, out.ControlSource)
	require.NotNil(t, out.ControlImage)
	assert.Equal(t, image.Rect(0, 0, 64, 48), out.ControlImage.Bounds())
	g, ok := out.ControlImage.(*image.Gray)
	require.True(t, ok)
	assert.Less(t, g.GrayAt(0, 24).Y, g.GrayAt(63, 24).Y, "depth gradient survives resize")
}

func TestBuild_SketchOverridesDepth(t *testing.T) {
	reg, _, _ := fullRegistry()
	reg.Depth = &fakeDepth{err: errors.New("must not be called")}
	a := New(defaultConfig(), zap.NewNop())

	out, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(64, 48, 100),
		Characters: []*image.NRGBA{frame(8, 8, 1)},
		Prompt:     "p",
		Sketch:     frame(16, 16, 200),
	})
	require.NoError(t, err)

	assert.Equal(t, ControlSketch, out.ControlSource)
	g := out.ControlImage.(*image.Gray)
	assert.Equal(t, image.Rect(0, 0, 64, 48), g.Bounds())
	assert.InDelta(t, 200, int(g.GrayAt(30, 20).Y), 2)
}

func TestBuild_ImageOnlyRegistry(t *testing.T) {
	reg := &model.Registry{Pipeline: nopPipeline{}}
	a := New(defaultConfig(), zap.NewNop())

	out, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(16, 16, 1),
		Characters: []*image.NRGBA{frame(8, 8, 1), frame(8, 8, 2), frame(8, 8, 3)},
		Prompt:     "p",
	})
	require.NoError(t, err)

	assert.Nil(t, out.Adapters[0].Embeds)
	assert.Nil(t, out.Adapters[1].Embeds)
	assert.Len(t, out.Adapters[1].Images, 3)
	assert.Len(t, out.Adapters[1].Scales, 3)
	assert.Nil(t, out.ControlImage)
	assert.Equal(t, ControlNone, out.ControlSource)
}

func TestBuild_PromptSuffix(t *testing.T) {
	reg := &model.Registry{Pipeline: nopPipeline{}}
	cfg := defaultConfig()
	cfg.PromptSuffix = ", storybook illustration"
	a := New(cfg, zap.NewNop())

	out, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(4, 4, 1),
		Characters: []*image.NRGBA{frame(4, 4, 1)},
		Prompt:     "a cat ",
	})
	require.NoError(t, err)
	assert.Equal(t, "a cat, storybook illustration", out.Prompt)
}

func TestBuild_NoFace(t *testing.T) {
	reg, _, faces := fullRegistry()
	faces.noFace = map[uint8]bool{30: true}
	a := New(defaultConfig(), zap.NewNop())

	_, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(8, 8, 1),
		Characters: []*image.NRGBA{frame(8, 8, 10), frame(8, 8, 30)},
		Prompt:     "p",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoFaceDetected, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "characters[1]")
}

func TestBuild_UpstreamErrorsPropagate(t *testing.T) {
	upstream := types.NewError(types.ErrUpstreamTimeout, "runner timed out")

	reg, enc, _ := fullRegistry()
	enc.err = upstream
	a := New(defaultConfig(), zap.NewNop())

	_, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(8, 8, 1),
		Characters: []*image.NRGBA{frame(8, 8, 10)},
		Prompt:     "p",
	})
	assert.ErrorIs(t, err, upstream)

	reg, _, _ = fullRegistry()
	reg.Depth = &fakeDepth{err: upstream}
	_, err = a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(8, 8, 1),
		Characters: []*image.NRGBA{frame(8, 8, 10)},
		Prompt:     "p",
	})
	assert.Equal(t, types.ErrUpstreamTimeout, types.GetErrorCode(err))
}

func TestBuild_RequiresInputs(t *testing.T) {
	reg, _, _ := fullRegistry()
	a := New(defaultConfig(), zap.NewNop())

	_, err := a.Build(context.Background(), reg, Inputs{Characters: []*image.NRGBA{frame(1, 1, 1)}, Prompt: "p"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = a.Build(context.Background(), reg, Inputs{PrevFrame: frame(1, 1, 1), Prompt: "p"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestBuild_CacheReuse(t *testing.T) {
	reg, enc, faces := fullRegistry()
	mc := newMemCache()
	rec := newRecorder()
	a := New(defaultConfig(), zap.NewNop(), WithCache(mc), WithRecorder(rec))

	in := Inputs{
		PrevFrame:  frame(8, 8, 1),
		Characters: []*image.NRGBA{frame(8, 8, 10), frame(8, 8, 20)},
		Prompt:     "p",
	}

	first, err := a.Build(context.Background(), reg, in)
	require.NoError(t, err)
	second, err := a.Build(context.Background(), reg, in)
	require.NoError(t, err)

	assert.Equal(t, int32(1), enc.calls.Load())
	assert.Equal(t, int32(2), faces.calls.Load())
	assert.Equal(t, 3, mc.sets)
	assert.Equal(t, 1, rec.hits[kindClip])
	assert.Equal(t, 2, rec.hits[kindFace])
	assert.Equal(t, 2, rec.misses[kindFace])
	assert.Equal(t, first.Adapters[1].Embeds, second.Adapters[1].Embeds)
}

func TestBuild_CacheFailureFallsBack(t *testing.T) {
	reg, enc, _ := fullRegistry()
	mc := newMemCache()
	mc.readErr = errors.New("redis down")
	a := New(defaultConfig(), zap.NewNop(), WithCache(mc))

	_, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(8, 8, 1),
		Characters: []*image.NRGBA{frame(8, 8, 10)},
		Prompt:     "p",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), enc.calls.Load())
}

func TestBuild_DebugLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reg, _, _ := fullRegistry()
	a := New(defaultConfig(), zap.New(core))

	_, err := a.Build(context.Background(), reg, Inputs{
		PrevFrame:  frame(8, 6, 1),
		Characters: []*image.NRGBA{frame(4, 4, 10)},
		Prompt:     "hello",
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("assembled pipeline inputs").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "hello", ctx["prompt"])
	assert.Equal(t, "8x6", ctx["scene_size"])
	assert.Equal(t, int64(1), ctx["character_count"])
	assert.Equal(t, "8x6", ctx["control_image_size"])
}

func TestBestFace(t *testing.T) {
	_, ok := BestFace(nil)
	assert.False(t, ok)

	_, ok = BestFace([]model.Face{{Score: 1}})
	assert.False(t, ok, "faces without embeddings are skipped")

	best, ok := BestFace([]model.Face{
		{Score: 0.5, Embedding: []float32{1}},
		{Score: 0.8, Embedding: []float32{2}},
		{Score: 0.7, Embedding: []float32{3}},
	})
	require.True(t, ok)
	assert.Equal(t, []float32{2}, best.Embedding)
}

func TestValidate(t *testing.T) {
	img := frame(1, 1, 1)
	ok := func() *AssembledInputs {
		return &AssembledInputs{
			Prompt: "p",
			Adapters: []model.Adapter{
				{Name: "style", Images: []image.Image{img}, Scales: []float64{0.4}, Embeds: model.Zeros(2, 1, 3)},
			},
		}
	}
	require.NoError(t, ok().Validate())

	bad := ok()
	bad.Adapters[0].Scales = []float64{0.4, 0.4}
	assert.ErrorContains(t, bad.Validate(), "1 images but 2 scales")

	bad = ok()
	bad.Adapters[0].Embeds = model.Zeros(2, 2, 3)
	assert.ErrorContains(t, bad.Validate(), "embeds shape")

	bad = ok()
	bad.Adapters[0].Images = nil
	bad.Adapters[0].Scales = nil
	assert.ErrorContains(t, bad.Validate(), "no images")

	bad = ok()
	bad.Prompt = " "
	assert.Error(t, bad.Validate())

	bad = ok()
	bad.Adapters = nil
	assert.Error(t, bad.Validate())
}

// 任意角色数量与权重下，组装结果满足适配器长度一致的不变量
func TestBuild_AdapterLengthsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "characters")
		cfg := Config{
			StyleScale: rapid.Float64Range(0, 2).Draw(rt, "style_scale"),
			FaceScale:  rapid.Float64Range(0, 2).Draw(rt, "face_scale"),
		}
		withSketch := rapid.Bool().Draw(rt, "sketch")
		w := rapid.IntRange(1, 48).Draw(rt, "width")
		h := rapid.IntRange(1, 48).Draw(rt, "height")

		chars := make([]*image.NRGBA, n)
		for i := range chars {
			chars[i] = frame(rapid.IntRange(1, 16).Draw(rt, "char_size"), 8, uint8(i+1))
		}
		in := Inputs{PrevFrame: frame(w, h, 50), Characters: chars, Prompt: "p"}
		if withSketch {
			in.Sketch = frame(9, 9, 9)
		}

		reg, _, _ := fullRegistry()
		out, err := New(cfg, zap.NewNop()).Build(context.Background(), reg, in)
		if err != nil {
			rt.Fatalf("build failed: %v", err)
		}
		if err := out.Validate(); err != nil {
			rt.Fatalf("invariant violated: %v", err)
		}

		face := out.Adapters[1]
		if len(face.Images) != n || len(face.Scales) != n || face.Embeds.Dim(1) != n {
			rt.Fatalf("faceid adapter sized %d/%d/%d, want %d", len(face.Images), len(face.Scales), face.Embeds.Dim(1), n)
		}
		for _, s := range face.Scales {
			if s != cfg.FaceScale {
				rt.Fatalf("face scale %v, want %v", s, cfg.FaceScale)
			}
		}
		if b := out.ControlImage.Bounds(); b.Dx() != w || b.Dy() != h {
			rt.Fatalf("control image %v, want %dx%d", b, w, h)
		}
	})
}
