// Package api 定义 framegen HTTP 接口的请求与响应结构。
//
// # 接口概览
//
//	POST /generate           生成下一帧（别名 /api/v1/generate）
//	GET  /health, /healthz   存活检查
//	GET  /ready, /readyz     就绪检查（模型注册表、后端、嵌入缓存）
//	GET  /version            版本信息
//
// 指标在独立端口的 /metrics 暴露。
//
// # 认证
//
// 配置了 server.api_keys 时，除健康检查外的接口需要 X-API-Key 请求头。
//
// # 错误
//
// 成功响应直接返回 GenerateResponse；错误统一使用
//
//	{"success": false, "error": {"code": "...", "message": "..."}, "timestamp": "..."}
package api
