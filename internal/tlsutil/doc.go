// Package tlsutil 提供集中式 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 供 API 服务端（HTTPS）、Redis 连接、OTLP exporter 和 LLM HTTP 客户端使用。
package tlsutil
