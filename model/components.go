package model

import (
	"context"
	"image"
)

// =============================================================================
// 🧩 预训练组件接口
// =============================================================================

// 嵌入维度
const (
	// ClipEmbedDim CLIP ViT-L/14 图像嵌入维度（风格适配器）
	ClipEmbedDim = 768
	// FaceEmbedDim 人脸识别嵌入维度（FaceID 适配器）
	FaceEmbedDim = 512
)

// DepthMap 单通道深度预测，按行优先存储
type DepthMap struct {
	Width  int
	Height int
	Values []float32
}

// Face 检测到的一张人脸
type Face struct {
	BBox      [4]float32 // x1, y1, x2, y2
	Score     float32    // 检测置信度
	Embedding []float32  // L2 归一化的身份向量
}

// DepthEstimator 单目深度估计
type DepthEstimator interface {
	EstimateDepth(ctx context.Context, img image.Image) (*DepthMap, error)
}

// FaceAnalyzer 人脸检测与身份嵌入
type FaceAnalyzer interface {
	DetectFaces(ctx context.Context, img image.Image) ([]Face, error)
}

// ImageEncoder CLIP 图像编码
type ImageEncoder interface {
	EncodeImage(ctx context.Context, img image.Image) ([]float32, error)
}

// Pipeline 带 ControlNet 与多 IP-Adapter 的扩散管线
type Pipeline interface {
	Name() string
	Generate(ctx context.Context, call *Call) (*Result, error)
}

// HealthChecker 可选的后端健康检查
type HealthChecker interface {
	Health(ctx context.Context) error
}

// =============================================================================
// 📋 管线调用参数
// =============================================================================

// Adapter 单个 IP-Adapter 的条件输入。Images 与 Scales 一一对应；
// Embeds 为 [2, len(Images), D]，首个切片为 CFG 负样本（全零）。
type Adapter struct {
	Name   string
	Images []image.Image
	Scales []float64
	Embeds *Tensor
}

// Call 一次扩散管线调用
type Call struct {
	Prompt          string
	NegativePrompt  string
	Adapters        []Adapter
	ControlImage    image.Image
	ControlSource   string
	Steps           int
	GuidanceScale   float64
	ControlNetScale float64
	Seed            int64
	Width           int
	Height          int
}

// Scales 返回按适配器分组的权重，形如 [[0.4], [0.5, 0.5]]
func (c *Call) Scales() [][]float64 {
	out := make([][]float64, len(c.Adapters))
	for i, a := range c.Adapters {
		out[i] = a.Scales
	}
	return out
}

// Result 管线输出
type Result struct {
	Image image.Image
	Seed  int64
}
