// Package model 定义帧合成依赖的预训练组件接口（扩散管线、深度估计、
// 人脸分析、CLIP 编码）、嵌入张量，以及启动时加载一次的 Registry。
package model
