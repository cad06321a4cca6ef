// Package assembler 将上一帧、角色参考图与可选草图组装成扩散管线所需的
// 嵌套输入：每个 IP-Adapter 的图像/权重/嵌入，以及 ControlNet 控制图。
package assembler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/BaSui01/framegen/imaging"
	"github.com/BaSui01/framegen/internal/cache"
	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 适配器名称与下标，顺序与 Runner 加载 IP-Adapter 的顺序一致
const (
	AdapterStyle  = "style"
	AdapterFaceID = "faceid"
)

// 控制图来源
const (
	ControlDepth  = "depth"
	ControlSketch = "sketch"
	ControlNone   = "none"
)

// 缓存中的嵌入类型
const (
	kindClip = "clip"
	kindFace = "face"
)

// =============================================================================
// 📋 输入与输出
// =============================================================================

// Inputs 已解码的请求图像
type Inputs struct {
	PrevFrame  *image.NRGBA
	Characters []*image.NRGBA
	Prompt     string
	Sketch     *image.NRGBA
}

// AssembledInputs 一次管线调用的全部条件输入，每个请求重新构建
type AssembledInputs struct {
	Prompt        string
	Adapters      []model.Adapter
	ControlImage  image.Image
	ControlSource string
	Width         int
	Height        int
}

// Validate 校验每个适配器的图像数与权重数一致，嵌入批大小与图像数一致
func (a *AssembledInputs) Validate() error {
	if strings.TrimSpace(a.Prompt) == "" {
		return errors.New("prompt is empty")
	}
	if len(a.Adapters) == 0 {
		return errors.New("no adapters assembled")
	}
	for _, ad := range a.Adapters {
		if len(ad.Images) == 0 {
			return fmt.Errorf("adapter %q has no images", ad.Name)
		}
		if len(ad.Images) != len(ad.Scales) {
			return fmt.Errorf("adapter %q has %d images but %d scales", ad.Name, len(ad.Images), len(ad.Scales))
		}
		if ad.Embeds == nil {
			continue
		}
		if ad.Embeds.Rank() != 3 || ad.Embeds.Dim(0) != 2 || ad.Embeds.Dim(1) != len(ad.Images) {
			return fmt.Errorf("adapter %q embeds shape %v, want [2,%d,D]", ad.Name, ad.Embeds.Shape, len(ad.Images))
		}
	}
	return nil
}

// =============================================================================
// 🔧 组装器
// =============================================================================

// Config 组装参数
type Config struct {
	StyleScale   float64
	FaceScale    float64
	PromptSuffix string
	// 并行提取人脸嵌入的上限
	FaceParallelism int
	// 嵌入缓存 TTL，0 使用缓存默认值
	CacheTTL time.Duration
}

// EmbeddingCache 嵌入缓存，*cache.Manager 实现该接口
type EmbeddingCache interface {
	Key(kind, digest string) string
	GetEmbedding(ctx context.Context, key string) ([]float32, error)
	SetEmbedding(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// CacheRecorder 记录缓存命中情况，*metrics.Collector 实现该接口
type CacheRecorder interface {
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
}

// Assembler 输入组装器，无状态，可并发使用
type Assembler struct {
	cfg      Config
	cache    EmbeddingCache
	recorder CacheRecorder
	logger   *zap.Logger
}

// Option 组装器选项
type Option func(*Assembler)

// WithCache 启用嵌入缓存
func WithCache(c EmbeddingCache) Option {
	return func(a *Assembler) { a.cache = c }
}

// WithRecorder 设置缓存指标记录器
func WithRecorder(r CacheRecorder) Option {
	return func(a *Assembler) { a.recorder = r }
}

// New 创建组装器
func New(cfg Config, logger *zap.Logger, opts ...Option) *Assembler {
	if cfg.FaceParallelism <= 0 {
		cfg.FaceParallelism = 4
	}
	a := &Assembler{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "assembler")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build 组装管线输入：
//   - 风格适配器：图像 [上一帧]，权重 [StyleScale]，嵌入 stack(0, CLIP(上一帧)) -> [2,1,768]
//   - FaceID 适配器：图像为角色图，权重 [FaceScale]*N，嵌入 stack(0, faces) -> [2,N,512]
//   - 控制图：有草图时为草图灰度，否则为上一帧的深度图，尺寸与上一帧一致
//
// Registry 中缺失的组件对应的嵌入或控制图留空。
func (a *Assembler) Build(ctx context.Context, reg *model.Registry, in Inputs) (*AssembledInputs, error) {
	if in.PrevFrame == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "prev_frame is required")
	}
	if len(in.Characters) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one character image is required")
	}

	b := in.PrevFrame.Bounds()
	out := &AssembledInputs{
		Prompt:        a.prompt(in.Prompt),
		Width:         b.Dx(),
		Height:        b.Dy(),
		ControlSource: ControlNone,
	}

	charImages := make([]image.Image, len(in.Characters))
	faceScales := make([]float64, len(in.Characters))
	for i, c := range in.Characters {
		charImages[i] = c
		faceScales[i] = a.cfg.FaceScale
	}
	style := model.Adapter{
		Name:   AdapterStyle,
		Images: []image.Image{in.PrevFrame},
		Scales: []float64{a.cfg.StyleScale},
	}
	faceID := model.Adapter{
		Name:   AdapterFaceID,
		Images: charImages,
		Scales: faceScales,
	}

	g, gctx := errgroup.WithContext(ctx)

	if reg.Encoder != nil {
		g.Go(func() error {
			embeds, err := a.styleEmbeds(gctx, reg.Encoder, in.PrevFrame)
			if err != nil {
				return err
			}
			style.Embeds = embeds
			return nil
		})
	}

	g.Go(func() error {
		ctrl, src, err := a.controlImage(gctx, reg.Depth, in.PrevFrame, in.Sketch)
		if err != nil {
			return err
		}
		out.ControlImage, out.ControlSource = ctrl, src
		return nil
	})

	var faces [][]float32
	if reg.Faces != nil {
		faces = make([][]float32, len(in.Characters))
		fg, fctx := errgroup.WithContext(gctx)
		fg.SetLimit(a.cfg.FaceParallelism)
		for i, c := range in.Characters {
			fg.Go(func() error {
				vec, err := a.faceEmbedding(fctx, reg.Faces, i, c)
				if err != nil {
					return err
				}
				faces[i] = vec
				return nil
			})
		}
		g.Go(fg.Wait)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if faces != nil {
		embeds, err := cfgEmbeds(faces)
		if err != nil {
			return nil, types.NewError(types.ErrUpstreamError, "face embeddings have inconsistent sizes").WithCause(err)
		}
		faceID.Embeds = embeds
	}

	out.Adapters = []model.Adapter{style, faceID}
	if err := out.Validate(); err != nil {
		return nil, types.NewError(types.ErrAdapterMismatch, "assembled adapter inputs are inconsistent").WithCause(err)
	}

	a.logDebug(out, in)
	return out, nil
}

func (a *Assembler) prompt(p string) string {
	p = strings.TrimSpace(p)
	if a.cfg.PromptSuffix != "" {
		p += a.cfg.PromptSuffix
	}
	return p
}

// styleEmbeds 计算 [2,1,D] 风格嵌入，首个切片为负样本
func (a *Assembler) styleEmbeds(ctx context.Context, enc model.ImageEncoder, img *image.NRGBA) (*model.Tensor, error) {
	vec, err := a.cached(ctx, kindClip, img, func() ([]float32, error) {
		v, err := enc.EncodeImage(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("encode style image: %w", err)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return cfgEmbeds([][]float32{vec})
}

// faceEmbedding 返回置信度最高的人脸嵌入
func (a *Assembler) faceEmbedding(ctx context.Context, fa model.FaceAnalyzer, idx int, img *image.NRGBA) ([]float32, error) {
	return a.cached(ctx, kindFace, img, func() ([]float32, error) {
		faces, err := fa.DetectFaces(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("detect faces in characters[%d]: %w", idx, err)
		}
		best, ok := BestFace(faces)
		if !ok {
			return nil, types.Errorf(types.ErrNoFaceDetected, "no face detected in characters[%d]", idx)
		}
		return best.Embedding, nil
	})
}

// BestFace 选择检测置信度最高且带有嵌入的人脸
func BestFace(faces []model.Face) (model.Face, bool) {
	var best model.Face
	found := false
	for _, f := range faces {
		if len(f.Embedding) == 0 {
			continue
		}
		if !found || f.Score > best.Score {
			best, found = f, true
		}
	}
	return best, found
}

// controlImage 草图优先，否则使用上一帧的深度图
func (a *Assembler) controlImage(ctx context.Context, depth model.DepthEstimator, prev, sketch *image.NRGBA) (image.Image, string, error) {
	w, h := prev.Bounds().Dx(), prev.Bounds().Dy()

	if sketch != nil {
		return imaging.ToGray(imaging.Resize(sketch, w, h)), ControlSketch, nil
	}
	if depth == nil {
		return nil, ControlNone, nil
	}

	dm, err := depth.EstimateDepth(ctx, prev)
	if err != nil {
		return nil, "", fmt.Errorf("estimate depth: %w", err)
	}
	gray, err := imaging.DepthToImage(dm.Values, dm.Width, dm.Height)
	if err != nil {
		return nil, "", types.NewError(types.ErrUpstreamError, "depth estimator returned a malformed map").WithCause(err)
	}
	return imaging.ToGray(imaging.Resize(gray, w, h)), ControlDepth, nil
}

// cached 先查嵌入缓存，未命中时计算并回写；缓存故障只记日志
func (a *Assembler) cached(ctx context.Context, kind string, img *image.NRGBA, compute func() ([]float32, error)) ([]float32, error) {
	if a.cache == nil {
		return compute()
	}

	key := a.cache.Key(kind, imaging.Digest(img))
	vec, err := a.cache.GetEmbedding(ctx, key)
	switch {
	case err == nil:
		a.recordHit(kind)
		return vec, nil
	case !cache.IsCacheMiss(err):
		a.logger.Warn("embedding cache read failed, computing", zap.String("kind", kind), zap.Error(err))
	}
	a.recordMiss(kind)

	vec, err = compute()
	if err != nil {
		return nil, err
	}
	if err := a.cache.SetEmbedding(ctx, key, vec, a.cfg.CacheTTL); err != nil {
		a.logger.Warn("embedding cache write failed", zap.String("kind", kind), zap.Error(err))
	}
	return vec, nil
}

func (a *Assembler) recordHit(kind string) {
	if a.recorder != nil {
		a.recorder.RecordCacheHit(kind)
	}
}

func (a *Assembler) recordMiss(kind string) {
	if a.recorder != nil {
		a.recorder.RecordCacheMiss(kind)
	}
}

func (a *Assembler) logDebug(out *AssembledInputs, in Inputs) {
	if ce := a.logger.Check(zap.DebugLevel, "assembled pipeline inputs"); ce != nil {
		sizes := make([]string, len(in.Characters))
		for i, c := range in.Characters {
			sizes[i] = fmt.Sprintf("%dx%d", c.Bounds().Dx(), c.Bounds().Dy())
		}
		fields := []zap.Field{
			zap.String("prompt", out.Prompt),
			zap.String("scene_size", fmt.Sprintf("%dx%d", out.Width, out.Height)),
			zap.Int("character_count", len(in.Characters)),
			zap.Strings("character_sizes", sizes),
			zap.Any("ip_adapter_scale", (&model.Call{Adapters: out.Adapters}).Scales()),
			zap.String("control_source", out.ControlSource),
		}
		if out.ControlImage != nil {
			cb := out.ControlImage.Bounds()
			fields = append(fields, zap.String("control_image_size", fmt.Sprintf("%dx%d", cb.Dx(), cb.Dy())))
		}
		ce.Write(fields...)
	}
}

// cfgEmbeds 构造 classifier-free guidance 所需的 [2,N,D] 嵌入：零向量负样本 + 正样本
func cfgEmbeds(vecs [][]float32) (*model.Tensor, error) {
	pos, err := model.FromVectors(vecs)
	if err != nil {
		return nil, err
	}
	return model.Stack(model.Zeros(pos.Shape...), pos)
}
