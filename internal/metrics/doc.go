// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
帧生成、推理后端、嵌入缓存与结果归档。

# 概述

Collector 通过 promauto.With 注册到调用方传入的 Registerer，
生产环境使用默认 Registry，测试使用独立 Registry 避免重复注册。

# 核心类型

  - Collector：持有 Counter、Histogram、Gauge 等向量指标。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 生成指标：按 backend/outcome 统计的生成次数与端到端耗时，
    各阶段耗时，每帧角色数量，占用生成槽位的并发数。
  - 后端指标：按 backend/operation/status 统计的调用次数与耗时。
  - 缓存与归档：按嵌入类型统计命中/未命中，按存储类型统计写入结果。
*/
package metrics
