// Package tlsutil 提供推理 Runner 客户端的 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 支持信任自签 CA 证书。
package tlsutil
