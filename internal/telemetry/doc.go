// Package telemetry 安装 framegen 的 OpenTelemetry provider。
// 资源上带有服务版本与推理后端，生成、组装、归档各阶段的 span 都经由 Tracer 创建。
// 禁用时不连接任何外部服务。
package telemetry
