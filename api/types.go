package api

// =============================================================================
// 🎞️ 帧生成类型
// =============================================================================

// GenerateRequest 帧生成请求，图像字段均为 base64（可带 data URL 前缀）
// @Description 帧生成请求结构
type GenerateRequest struct {
	// 上一帧，作为风格参考与深度图来源
	PrevFrame string `json:"prev_frame" binding:"required"`
	// 角色参考图，每张图中需要能检测到人脸
	Characters []string `json:"characters" binding:"required"`
	// 场景描述
	Prompt string `json:"prompt" binding:"required" example:"two children walking through a forest"`
	// 可选草图，提供时替代深度图作为 ControlNet 条件
	Sketch string `json:"sketch,omitempty"`
	// 可选随机种子，缺省时随机生成
	Seed *int64 `json:"seed,omitempty" example:"42"`
}

// GenerateResponse 帧生成响应
// @Description 帧生成响应结构
type GenerateResponse struct {
	// 生成结果，base64 PNG
	Img string `json:"img"`
	// 实际使用的随机种子
	Seed int64 `json:"seed" example:"42"`
}
