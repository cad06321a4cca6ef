package runner

import "github.com/BaSui01/framegen/model"

// =============================================================================
// 📦 Runner 线协议
// =============================================================================
// 所有图像字段均为不带前缀的 base64 PNG。

// IPAdapterSpec 单个 IP-Adapter 的权重位置
type IPAdapterSpec struct {
	Name       string `json:"name"`
	Repo       string `json:"repo"`
	Subfolder  string `json:"subfolder"`
	WeightName string `json:"weight_name"`
}

// LoadRequest POST /v1/models/load
type LoadRequest struct {
	BaseModel  string          `json:"base_model"`
	ControlNet string          `json:"controlnet"`
	DepthModel string          `json:"depth_model"`
	FaceModel  string          `json:"face_model"`
	IPAdapters []IPAdapterSpec `json:"ip_adapters"`
	// DType auto 表示 CUDA 上使用 fp16，CPU 上使用 fp32
	DType string `json:"dtype"`
}

// LoadResponse 模型加载结果
type LoadResponse struct {
	Device string   `json:"device"`
	DType  string   `json:"dtype"`
	Loaded []string `json:"loaded"`
}

// HealthResponse GET /health
type HealthResponse struct {
	Status        string   `json:"status"`
	Device        string   `json:"device"`
	CUDAAvailable bool     `json:"cuda_available"`
	ModelsLoaded  bool     `json:"models_loaded"`
	Models        []string `json:"models,omitempty"`
}

type imageRequest struct {
	Image string `json:"image"`
}

type depthResponse struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Depth  []float32 `json:"depth"`
}

type faceResult struct {
	BBox      [4]float32 `json:"bbox"`
	DetScore  float32    `json:"det_score"`
	Embedding []float32  `json:"embedding"`
}

type facesResponse struct {
	Faces []faceResult `json:"faces"`
}

type embedsResponse struct {
	Embeds []float32 `json:"embeds"`
}

type generateRequest struct {
	Prompt                            string          `json:"prompt"`
	NegativePrompt                    string          `json:"negative_prompt,omitempty"`
	IPAdapterImageEmbeds              []*model.Tensor `json:"ip_adapter_image_embeds"`
	IPAdapterScale                    [][]float64     `json:"ip_adapter_scale"`
	ControlImage                      string          `json:"control_image,omitempty"`
	NumInferenceSteps                 int             `json:"num_inference_steps"`
	GuidanceScale                     float64         `json:"guidance_scale"`
	ControlNetConditioningScale       float64         `json:"controlnet_conditioning_scale"`
	Seed                              int64           `json:"seed"`
	Width                             int             `json:"width,omitempty"`
	Height                            int             `json:"height,omitempty"`
	UseDifferentIPAdapterForEachImage bool            `json:"use_different_ip_adapter_for_each_image"`
}

type generateResponse struct {
	Image string `json:"image"`
	Seed  int64  `json:"seed"`
}

// errorResponse Runner 的错误体
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Runner 错误码
const (
	codeNoFace         = "no_face"
	codeModelNotLoaded = "model_not_loaded"
	codeInvalidImage   = "invalid_image"
)
