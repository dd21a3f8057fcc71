// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、LLM、浏览器池、任务执行与数据库五个维度。

# 概述

Collector 通过 promauto.With 在指定的 Registerer 上注册全部指标，
生产环境使用默认 Registerer，测试使用独立的 prometheus.NewRegistry，
避免重复注册。所有 Record 方法对 nil 接收者安全。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx
  - LLM 指标：决策请求总数、耗时、Token 用量
  - 浏览器池指标：各状态 worker 数、Acquire 结果与等待时间、丢弃与补位计数
  - 任务指标：终态计数与耗时、步骤计数与耗时、事件丢弃计数
  - 数据库指标：活跃/空闲连接数、查询耗时
*/
package metrics
