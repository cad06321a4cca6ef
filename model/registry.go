package model

import (
	"errors"
	"sync/atomic"
)

// ErrAlreadyLoaded Holder 只允许设置一次
var ErrAlreadyLoaded = errors.New("model registry already loaded")

// Info 描述已加载模型的运行环境
type Info struct {
	Backend string   `json:"backend"`
	Device  string   `json:"device,omitempty"`
	DType   string   `json:"dtype,omitempty"`
	Models  []string `json:"models,omitempty"`
}

// Registry 启动时加载一次的模型句柄集合，之后只读并被所有请求共享。
// Depth、Faces、Encoder 可以为 nil（例如 Gemini 后端只需要 Pipeline）。
type Registry struct {
	Pipeline Pipeline
	Depth    DepthEstimator
	Faces    FaceAnalyzer
	Encoder  ImageEncoder
	Info     Info
}

// Holder 进程级的 Registry 句柄
type Holder struct {
	reg atomic.Pointer[Registry]
}

// Set 发布 Registry，第二次调用返回 ErrAlreadyLoaded
func (h *Holder) Set(r *Registry) error {
	if r == nil || r.Pipeline == nil {
		return errors.New("registry requires a pipeline")
	}
	if !h.reg.CompareAndSwap(nil, r) {
		return ErrAlreadyLoaded
	}
	return nil
}

// Get 返回已加载的 Registry，加载前返回 (nil, false)
func (h *Holder) Get() (*Registry, bool) {
	r := h.reg.Load()
	return r, r != nil
}

// Loaded 是否已加载
func (h *Holder) Loaded() bool {
	return h.reg.Load() != nil
}
