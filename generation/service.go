// Package generation 串联一次帧生成的全部步骤：
// 解码 -> 等待生成槽位 -> 组装 -> 调用管线 -> 编码 -> 归档 -> 响应。
package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BaSui01/framegen/api"
	"github.com/BaSui01/framegen/archive"
	"github.com/BaSui01/framegen/assembler"
	"github.com/BaSui01/framegen/imaging"
	"github.com/BaSui01/framegen/internal/telemetry"
	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// 阶段名称，用于指标与 span
const (
	StageDecode   = "decode"
	StageAssemble = "assemble"
	StageQueue    = "queue"
	StagePipeline = "pipeline"
	StageEncode   = "encode"
	StageArchive  = "archive"
)

// outcomeOK 成功生成的 outcome 标签
const outcomeOK = "ok"

// archiveTimeout 归档写入不受客户端断开影响，但有独立的上限
const archiveTimeout = 30 * time.Second

// Config 生成参数
type Config struct {
	MaxCharacters   int
	Steps           int
	GuidanceScale   float64
	ControlNetScale float64
	NegativePrompt  string
	Timeout         time.Duration
	MaxConcurrent   int
	// MaxImagePixels 单张输入图像的像素上限，<=0 使用 imaging.DefaultMaxPixels
	MaxImagePixels int
}

// Recorder 生成指标，*metrics.Collector 实现该接口
type Recorder interface {
	RecordGeneration(backend, outcome string, duration time.Duration)
	RecordStage(stage string, duration time.Duration)
	RecordCharacters(n int)
	IncInflight()
	DecInflight()
	RecordArchiveWrite(store string, err error)
}

// Service 帧生成服务，可并发调用
type Service struct {
	cfg       Config
	holder    *model.Holder
	assembler *assembler.Assembler
	store     archive.Store
	recorder  Recorder
	sem       *semaphore.Weighted
	logger    *zap.Logger

	now  func() time.Time
	seed func() int64
}

// Option 服务选项
type Option func(*Service)

// WithArchive 设置结果归档
func WithArchive(s archive.Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(svc *Service) { svc.recorder = r }
}

// NewService 创建生成服务。holder 可以在模型加载完成前传入，
// 加载前的请求返回 MODEL_NOT_LOADED。
func NewService(cfg Config, holder *model.Holder, asm *assembler.Assembler, logger *zap.Logger, opts ...Option) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	s := &Service{
		cfg:       cfg,
		holder:    holder,
		assembler: asm,
		store:     archive.NopStore{},
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:    logger.With(zap.String("component", "generation")),
		now:       time.Now,
		seed:      randomSeed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomSeed 返回 [0, 2^31-1) 内的随机种子
func randomSeed() int64 {
	return rand.Int64N(math.MaxInt32)
}

// =============================================================================
// 🎞️ 生成
// =============================================================================

// Generate 生成下一帧
func (s *Service) Generate(ctx context.Context, req *api.GenerateRequest) (resp *api.GenerateResponse, err error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "generation.generate")
	defer span.End()

	backendName := "none"
	defer func() {
		outcome := outcomeOK
		if err != nil {
			outcome = string(types.GetErrorCode(err))
			if outcome == "" {
				outcome = string(types.ErrInternalError)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		s.recordGeneration(backendName, outcome, time.Since(start))
	}()

	if err := s.validate(req); err != nil {
		return nil, err
	}
	reg, ok := s.holder.Get()
	if !ok {
		return nil, types.NewError(types.ErrModelNotLoaded, "model not loaded")
	}
	backendName = reg.Pipeline.Name()
	span.SetAttributes(
		attribute.String("framegen.backend", backendName),
		attribute.Int("framegen.characters", len(req.Characters)),
	)
	if s.recorder != nil {
		s.recorder.RecordCharacters(len(req.Characters))
	}

	var in assembler.Inputs
	if err := s.stage(ctx, StageDecode, func(context.Context) error {
		in, err = decodeInputs(req, s.cfg.MaxImagePixels)
		return err
	}); err != nil {
		return nil, err
	}

	if err := s.stage(ctx, StageQueue, func(ctx context.Context) error {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return types.NewError(types.ErrServiceUnavailable, "cancelled while waiting for a generation slot").WithCause(err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.IncInflight()
	}
	released := false
	release := func() {
		if !released {
			released = true
			s.sem.Release(1)
			if s.recorder != nil {
				s.recorder.DecInflight()
			}
		}
	}
	defer release()

	// 组装阶段的深度/CLIP/人脸调用与生成共用同一个槽位
	var assembled *assembler.AssembledInputs
	if err := s.stage(ctx, StageAssemble, func(ctx context.Context) error {
		assembled, err = s.assembler.Build(ctx, reg, in)
		if err != nil {
			return componentError(ctx, backendName, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	call := s.newCall(req, assembled)
	span.SetAttributes(attribute.Int64("framegen.seed", call.Seed))

	var result *model.Result
	if err := s.stage(ctx, StagePipeline, func(ctx context.Context) error {
		result, err = s.runPipeline(ctx, reg.Pipeline, call)
		return err
	}); err != nil {
		return nil, err
	}
	release()

	var png []byte
	if err := s.stage(ctx, StageEncode, func(context.Context) error {
		png, err = imaging.EncodePNG(result.Image)
		if err != nil {
			return types.NewError(types.ErrInternalError, "encode result image").WithCause(err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.archive(ctx, png)

	s.logger.Info("frame generated",
		requestIDField(ctx),
		zap.String("backend", backendName),
		zap.Int64("seed", result.Seed),
		zap.Int("characters", len(req.Characters)),
		zap.String("control_source", assembled.ControlSource),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &api.GenerateResponse{
		Img:  base64.StdEncoding.EncodeToString(png),
		Seed: result.Seed,
	}, nil
}

// validate 校验请求结构，图像内容在解码阶段校验
func (s *Service) validate(req *api.GenerateRequest) error {
	switch {
	case req == nil:
		return types.NewError(types.ErrInvalidRequest, "request body is required")
	case strings.TrimSpace(req.Prompt) == "":
		return types.NewError(types.ErrInvalidRequest, "prompt is required")
	case strings.TrimSpace(req.PrevFrame) == "":
		return types.NewError(types.ErrInvalidRequest, "prev_frame is required")
	case len(req.Characters) == 0:
		return types.NewError(types.ErrInvalidRequest, "at least one character image is required")
	case s.cfg.MaxCharacters > 0 && len(req.Characters) > s.cfg.MaxCharacters:
		return types.Errorf(types.ErrInvalidRequest, "too many characters: %d (max %d)", len(req.Characters), s.cfg.MaxCharacters)
	case req.Seed != nil && (*req.Seed < 0 || *req.Seed > math.MaxInt32):
		return types.Errorf(types.ErrInvalidRequest, "seed must be in [0, %d]", math.MaxInt32)
	}
	return nil
}

// decodeInputs 解码全部图像，错误信息指明出错字段
func decodeInputs(req *api.GenerateRequest, maxPixels int) (assembler.Inputs, error) {
	in := assembler.Inputs{Prompt: req.Prompt}

	prev, err := decodeField("prev_frame", req.PrevFrame, maxPixels)
	if err != nil {
		return in, err
	}
	in.PrevFrame = prev

	in.Characters = make([]*image.NRGBA, len(req.Characters))
	for i, c := range req.Characters {
		img, err := decodeField(fmt.Sprintf("characters[%d]", i), c, maxPixels)
		if err != nil {
			return in, err
		}
		in.Characters[i] = img
	}

	if strings.TrimSpace(req.Sketch) != "" {
		sketch, err := decodeField("sketch", req.Sketch, maxPixels)
		if err != nil {
			return in, err
		}
		in.Sketch = sketch
	}
	return in, nil
}

func decodeField(field, s string, maxPixels int) (*image.NRGBA, error) {
	img, err := imaging.DecodeBase64Limit(s, maxPixels)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidImage, "%s is not a decodable image", field).WithCause(err)
	}
	return img, nil
}

func (s *Service) newCall(req *api.GenerateRequest, in *assembler.AssembledInputs) *model.Call {
	seed := s.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	return &model.Call{
		Prompt:          in.Prompt,
		NegativePrompt:  s.cfg.NegativePrompt,
		Adapters:        in.Adapters,
		ControlImage:    in.ControlImage,
		ControlSource:   in.ControlSource,
		Steps:           s.cfg.Steps,
		GuidanceScale:   s.cfg.GuidanceScale,
		ControlNetScale: s.cfg.ControlNetScale,
		Seed:            seed,
		Width:           in.Width,
		Height:          in.Height,
	}
}

// runPipeline 在生成超时内调用管线，超时映射为 UPSTREAM_TIMEOUT
func (s *Service) runPipeline(ctx context.Context, p model.Pipeline, call *model.Call) (*model.Result, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := p.Generate(pctx, call)
	if err != nil {
		if ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return nil, types.Errorf(types.ErrUpstreamTimeout, "generation exceeded %s", s.cfg.Timeout).
				WithCause(err).WithBackend(p.Name())
		}
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewError(types.ErrUpstreamError, "pipeline call failed").
			WithCause(err).WithBackend(p.Name())
	}
	if result == nil || result.Image == nil {
		return nil, types.NewError(types.ErrUpstreamError, "pipeline returned no image").WithBackend(p.Name())
	}
	return result, nil
}

// componentError 保留已分类的错误，其余按上下文状态归类
func componentError(ctx context.Context, backend string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return types.NewError(types.ErrServiceUnavailable, "request cancelled").WithCause(err)
	}
	return types.NewError(types.ErrUpstreamError, "model component call failed").WithCause(err).WithBackend(backend)
}

// archive 尽力保存结果，失败只记录日志
func (s *Service) archive(ctx context.Context, png []byte) {
	rid, _ := types.RequestID(ctx)
	name := archive.Name(s.now(), rid)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	_ = s.stage(actx, StageArchive, func(ctx context.Context) error {
		loc, err := s.store.Save(ctx, name, png)
		if s.recorder != nil {
			s.recorder.RecordArchiveWrite(s.store.Kind(), err)
		}
		if err != nil {
			s.logger.Warn("failed to archive generated frame",
				requestIDField(ctx),
				zap.String("store", s.store.Kind()),
				zap.String("name", name),
				zap.Error(err),
			)
			return err
		}
		if loc != "" {
			s.logger.Debug("generated frame archived", zap.String("location", loc))
		}
		return nil
	})
}

// stage 计时并为单个阶段开启 span
func (s *Service) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "generation."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if s.recorder != nil {
		s.recorder.RecordStage(name, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) recordGeneration(backend, outcome string, d time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordGeneration(backend, outcome, d)
	}
}

func requestIDField(ctx context.Context) zap.Field {
	rid, _ := types.RequestID(ctx)
	return zap.String("request_id", rid)
}
