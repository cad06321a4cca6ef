// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 framegen HTTP API 的请求处理器实现。

# 概述

handlers 包实现帧生成与健康检查端点，以及统一的错误响应。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - GenerateHandler:  POST /generate，解码请求并调用 Generator
  - HealthHandler:    模型注册表、熔断器与缓存状态（/health, /healthz, /ready, /version）
  - Response:         错误响应结构（success + error + timestamp + request_id）
  - ErrorInfo:        结构化错误信息，含 code、message、retryable 标记
  - HealthCheck:      就绪检查依赖接口（PingCheck 检查 Redis）

# 主要能力

  - 成功时直接返回 api.GenerateResponse，错误统一使用 Response 信封
  - 请求验证：DecodeJSONBody（严格模式，超限映射为 413）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 就绪检查：模型未加载或后端自检失败时返回 503
*/
package handlers
