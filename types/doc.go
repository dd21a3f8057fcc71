// Copyright (c) WebPilot Authors.
// Licensed under the MIT License.

/*
Package types 提供 WebPilot 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 browser、pool、engine、
api 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 错误码

  - VALIDATION / INVALID_TRANSITION — 任务参数或状态机错误，运行前拒绝
  - PROVIDER_ERROR                  — 浏览器后端单次操作失败
  - POOL_EXHAUSTED / POOL_CLOSED    — 浏览器池获取失败
  - TIMEOUT                         — 任务截止时间已过
  - CREDENTIAL_ERROR                — 登录预处理失败（不向上抛出）
  - DECISION_FAILED                 — 决策函数返回错误
*/
package types
