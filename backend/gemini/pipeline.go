// Package gemini 以 Gemini 图像模型实现 model.Pipeline。
// 该后端没有深度、人脸与 CLIP 组件：适配器图像与控制图直接作为内联图像发送，
// 预计算嵌入被忽略。
package gemini

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/BaSui01/framegen/imaging"
	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// BackendName 指标与错误中使用的后端名称
const BackendName = "gemini"

// jpegQuality 参考图内联编码质量
const jpegQuality = 90

// Config Gemini 后端配置
type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ContentGenerator *genai.Models 满足该接口，测试中可替换
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Recorder 记录后端调用指标
type Recorder interface {
	RecordBackendRequest(backend, operation, status string, duration time.Duration)
}

// Pipeline Gemini 图像生成管线
type Pipeline struct {
	cfg      Config
	models   ContentGenerator
	recorder Recorder
	logger   *zap.Logger
}

// Option 管线选项
type Option func(*Pipeline)

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// New 创建 genai 客户端并返回管线
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewWithGenerator(client.Models, cfg, logger, opts...), nil
}

// NewWithGenerator 使用给定的 ContentGenerator 创建管线
func NewWithGenerator(gen ContentGenerator, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	p := &Pipeline{
		cfg:    cfg,
		models: gen,
		logger: logger.With(zap.String("component", "gemini_pipeline"), zap.String("model", cfg.Model)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ model.Pipeline = (*Pipeline)(nil)

// Name 实现 model.Pipeline
func (p *Pipeline) Name() string { return BackendName }

// Generate 实现 model.Pipeline
func (p *Pipeline) Generate(ctx context.Context, call *model.Call) (*model.Result, error) {
	parts, err := buildParts(call)
	if err != nil {
		return nil, err
	}

	// Gemini 的 seed 为 int32，超出范围的值截断后会与响应中的 seed 不一致
	if call.Seed < 0 || call.Seed > math.MaxInt32 {
		return nil, types.Errorf(types.ErrInvalidRequest, "seed must be in [0, %d]", math.MaxInt32).
			WithBackend(BackendName)
	}
	seed := int32(call.Seed)
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		Seed:               &seed,
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.models.GenerateContent(ctx, p.cfg.Model, contents, cfg)
	p.record(err, time.Since(start))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.ErrUpstreamTimeout, "gemini request timed out").
				WithCause(err).WithBackend(BackendName)
		}
		return nil, types.NewError(types.ErrUpstreamError, "gemini request failed").
			WithCause(err).WithBackend(BackendName)
	}

	data, err := firstImage(resp)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "gemini returned an undecodable image").
			WithCause(err).WithBackend(BackendName)
	}

	p.logger.Debug("gemini frame generated",
		zap.Int("parts", len(parts)),
		zap.Int64("seed", call.Seed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &model.Result{Image: img, Seed: call.Seed}, nil
}

func (p *Pipeline) record(err error, d time.Duration) {
	if p.recorder == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.recorder.RecordBackendRequest(BackendName, "generate", status, d)
}

// buildParts 依次放入指令文本、各适配器的参考图、控制图
func buildParts(call *model.Call) ([]*genai.Part, error) {
	parts := []*genai.Part{genai.NewPartFromText(instruction(call))}

	for _, a := range call.Adapters {
		if len(a.Images) == 0 {
			continue
		}
		parts = append(parts, genai.NewPartFromText(adapterLabel(a.Name)))
		for _, img := range a.Images {
			data, err := imaging.EncodeJPEG(img, jpegQuality)
			if err != nil {
				return nil, types.NewError(types.ErrInternalError, "encode reference image").WithCause(err)
			}
			parts = append(parts, genai.NewPartFromBytes(data, "image/jpeg"))
		}
	}

	if call.ControlImage != nil {
		ctrl := call.ControlImage
		if g, ok := ctrl.(*image.Gray); ok {
			ctrl = imaging.GrayToRGB(g)
		}
		data, err := imaging.EncodePNG(ctrl)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "encode control image").WithCause(err)
		}
		parts = append(parts,
			genai.NewPartFromText(fmt.Sprintf("Layout guide (%s map). Follow its composition:", call.ControlSource)),
			genai.NewPartFromBytes(data, "image/png"),
		)
	}
	return parts, nil
}

func instruction(call *model.Call) string {
	var sb strings.Builder
	sb.WriteString("Generate the next frame of this scene. Keep the art style of the previous frame ")
	sb.WriteString("and the identities of the reference characters.\n")
	if call.Width > 0 && call.Height > 0 {
		fmt.Fprintf(&sb, "Output size: %dx%d.\n", call.Width, call.Height)
	}
	sb.WriteString("Scene: ")
	sb.WriteString(call.Prompt)
	if call.NegativePrompt != "" {
		sb.WriteString("\nAvoid: ")
		sb.WriteString(call.NegativePrompt)
	}
	return sb.String()
}

func adapterLabel(name string) string {
	switch name {
	case "style":
		return "Previous frame (style reference):"
	case "faceid":
		return "Character references:"
	default:
		return name + " reference:"
	}
}

// blockedReasons 被安全策略拦截的结束原因
var blockedReasons = map[genai.FinishReason]bool{
	genai.FinishReasonSafety:            true,
	genai.FinishReasonBlocklist:         true,
	genai.FinishReasonProhibitedContent: true,
	genai.FinishReasonSPII:              true,
	genai.FinishReasonRecitation:        true,
	genai.FinishReason("IMAGE_SAFETY"):  true,
}

// firstImage 取首个候选中的首张内联图像
func firstImage(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil {
		return nil, types.NewError(types.ErrUpstreamError, "gemini returned no response").WithBackend(BackendName)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, types.Errorf(types.ErrContentFiltered, "gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason).
			WithBackend(BackendName)
	}
	if len(resp.Candidates) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "gemini returned no candidates").WithBackend(BackendName)
	}

	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
		}
	}
	if blockedReasons[cand.FinishReason] {
		return nil, types.Errorf(types.ErrContentFiltered, "gemini stopped generation: %s", cand.FinishReason).
			WithBackend(BackendName)
	}
	return nil, types.Errorf(types.ErrUpstreamError, "gemini response has no image (finish reason %q)", cand.FinishReason).
		WithBackend(BackendName)
}
