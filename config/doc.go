// Package config 提供 framegen 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → FRAMEGEN_* 环境变量 的顺序叠加，
// 覆盖 HTTP 服务、帧合成参数、推理后端、嵌入缓存、结果归档、日志与遥测。
package config
