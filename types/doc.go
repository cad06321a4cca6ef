// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 framegen 服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 assembler、backend、
generation、api 等上层模块提供统一的错误契约与 Context 传播工具。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、Backend 标记
  - contextKey:        Context 键类型（RequestID / TraceID）

# 主要能力

  - 错误工具链：NewError / Errorf / AsError / IsRetryable / GetErrorCode
  - Context 传播：WithRequestID / WithTraceID
*/
package types
