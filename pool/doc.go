// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 pool 提供固定上限、可复用的浏览器会话池。

# 生命周期

  - Warmup：并发预创建并健康检查会话，只在第一次调用时生效
  - Acquire：复用空闲会话、在上限内新建，或等待直到超时（POOL_EXHAUSTED）；
    Shutdown 之后立即失败（POOL_CLOSED）
  - Release：健康检查（about:blank + 脚本探活）通过则放回空闲集合，
    否则丢弃并通过后台 goroutine 池异步补位
  - Discard：超时放弃的运行直接丢弃会话，不做健康检查
  - Shutdown：唤醒所有等待者，关闭空闲会话，签出会话在宽限期后强制关闭

idle + checked_out + creating 在任何时刻都不超过 Size。等待者通过
每次状态变化时关闭并替换的广播 channel 被唤醒。
*/
package pool
