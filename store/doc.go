// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 store 提供任务执行引擎的持久化与跨实例协作组件。

# 核心类型

  - GormRecorder：实现 engine.Recorder，任务快照写入 task_records（按 id upsert），
    步骤写入 step_records（(task_id, position) 唯一，重复写入被忽略）；
    同时提供 Task / Steps / ListTasks 查询，供已移出内存缓存的历史任务使用。
  - RedisStopSource：实现 engine.StopSource，停止标志保存在
    <prefix>task:<id>:stop，任意实例都可以停止另一实例上运行的任务。
  - RedisEventPublisher：订阅 EventBus，把事件以 JSON 发布到
    <prefix>events:<id>，并支持按任务订阅。

GormRecorder 适用于 gorm 支持的任意方言（postgres、mysql、sqlite）。
*/
package store
