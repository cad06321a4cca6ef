// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的图像嵌入缓存。

# 概述

同一绘本的每一帧都会重复使用相同的角色参考图，人脸与 CLIP 嵌入
因此可以跨请求复用。Manager 封装 go-redis 客户端，以图像像素摘要
为键存储 float32 向量，未命中或 Redis 故障时由调用方回退到 Runner。

# 核心类型

  - Manager：缓存管理器，提供 GetEmbedding/SetEmbedding/Ping，Stats 为 /health 提供命中统计。
  - Config：地址、密码、前缀、TTL 与健康检查间隔。
  - Stats：进程内命中与未命中计数。

# 错误语义

  - ErrCacheMiss：键不存在或已过期，IsCacheMiss 可穿透包装判断。
  - ErrClosed：Close 之后的任何调用。
*/
package cache
