// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 framegen 服务端程序入口。

# 概述

cmd/framegen 是帧生成服务的可执行入口，提供 HTTP API 服务、Runner 环境
检查、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化
日志（zap）、Prometheus 指标采集以及 OpenTelemetry 链路追踪。

# 核心类型

  - Server:      主服务器，管理 HTTP、Metrics 双端口、模型后台加载及优雅关闭
  - Middleware:  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、check（Runner 环境检查）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、Metrics、
    OTelTracing、CORS、RateLimiter（基于 IP）、APIKeyAuth（X-API-Key / query 参数）
  - 模型加载：启动后在后台加载注册表，加载完成前 /generate 返回 MODEL_NOT_LOADED
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → Wait → 关闭缓存与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
