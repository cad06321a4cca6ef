package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/framegen/api"
	"github.com/BaSui01/framegen/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🎞️ 帧生成 Handler
// =============================================================================

// Generator 帧生成服务，*generation.Service 实现该接口
type Generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest) (*api.GenerateResponse, error)
}

// GenerateHandler 帧生成处理器
type GenerateHandler struct {
	generator    Generator
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewGenerateHandler 创建帧生成处理器，maxBodyBytes <= 0 表示不限制请求体大小
func NewGenerateHandler(generator Generator, maxBodyBytes int64, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{
		generator:    generator,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleGenerate 处理帧生成请求
// @Summary 生成下一帧
// @Description 根据上一帧、角色参考图与提示词生成新的一帧
// @Tags 生成
// @Accept json
// @Produce json
// @Param request body api.GenerateRequest true "生成请求"
// @Success 200 {object} api.GenerateResponse "生成结果"
// @Failure 400 {object} Response "无效请求或图像"
// @Failure 413 {object} Response "请求体过大"
// @Failure 422 {object} Response "角色图中未检测到人脸"
// @Failure 500 {object} Response "模型未加载"
// @Failure 502 {object} Response "推理后端错误"
// @Failure 504 {object} Response "推理超时"
// @Security ApiKeyAuth
// @Router /generate [post]
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrMethodNotAllow, "method not allowed", h.logger)
		return
	}

	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	// 解码请求
	var req api.GenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	resp, err := h.generator.Generate(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}
