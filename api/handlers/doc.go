// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 WebPilot HTTP API 的请求处理器。

# 核心类型

  - TaskHandler    — 任务创建、查询、步骤、停止、列表与 websocket 事件流
  - HealthHandler  — /health、/ready、/version
  - Response       — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter — 捕获状态码与响应大小，支持 websocket 升级

TaskHandler 只依赖小接口：TaskService（engine.Service）、History
（store.GormRecorder）、SnapshotCache（cache.Manager）、StopBroadcaster
（store.RedisStopSource）与 EventSource（engine.EventBus），后四者均可省略。

查询顺序为内存中的任务、快照缓存、数据库；已结束任务的快照在读到时写入缓存。
*/
package handlers
