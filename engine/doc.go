// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 engine 实现任务执行引擎：感知、决策、执行、记录的循环。

# 状态机

	pending → running → {completed, failed, timeout, stopped}

终态一旦写入不再改变；追加 Step 与终态转换共用同一把锁，
终态之后的 Step 一律被拒绝。Step 位置从 0（登录前置步骤）
或 1 开始严格递增，无空洞。

# 执行流程

Engine.Run 以 now + timeout 作为绝对截止时间，循环在独立 goroutine
中运行。截止时间到达后再等待 AbandonGrace，仍未返回则放弃该循环，
任务记为 timeout，池化会话经 Discard 丢弃并异步补位，绝不干净归还。

每轮迭代依次：检查停止标记（可选 StopSource 轮询）→ 检查截止时间 →
perception.Annotate → Decider.Decide → 清除标记 → 速率限制 →
Resolve 并执行 → 记录 Step → 发布 step / progress 事件。
done 与 extract 为终止决策；步数耗尽按 ExhaustedStatus 处理，默认 completed。

# 协作方

  - SessionPool / browser.Registry：会话来源
  - CredentialLookup + Authenticator：登录前置步骤，结果永不抛错
  - Recorder：持久化 Step 与任务快照，失败只记录日志
  - EventBus：有界队列 + 单一分发 goroutine，订阅者异常隔离
  - Service：提交 / 查询 / 停止任务，已完成任务保存在 LRU 缓存中
*/
package engine
