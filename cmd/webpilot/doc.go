// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 WebPilot 服务端程序入口。

# 概述

cmd/webpilot 组装浏览器会话池、决策器、任务引擎与 HTTP API，
并提供一次性执行、数据库迁移、健康检查和版本查询等子命令。

# 核心类型

  - Server      — 主服务器，管理 API 与 Metrics 双端口及优雅关闭
  - runtime     — serve 与 run 共用的执行栈（池、引擎、服务、存储）
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、run、migrate、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter、APIKeyAuth
  - 凭据热更新：config.Watcher 监听配置文件，只替换登录凭据
  - 优雅关闭：信号 → 停止监听 → 关闭 API → 停止任务并回收会话 → 关闭存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
