// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 framegen 的 HTTP 监听：生成 API 与 Prometheus /metrics
各用一个 Manager。

写超时与关闭超时需要覆盖一次完整的帧生成，由调用方按分钟级配置。
Shutdown 会等待进行中的生成请求返回后再退出。

  - Manager.Start 同步绑定端口，端口冲突在启动阶段即报错。
  - Wait 在收到 SIGINT/SIGTERM 或任一监听异常退出时返回。
*/
package server
