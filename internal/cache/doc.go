// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理共享的 Redis 连接。

Manager 负责连接建立、后台健康检查与关闭，Client 把底层客户端交给
store 包的停止标志与事件转发使用。GetJSON/SetJSON/Delete 提供带
KeyPrefix 的 JSON 缓存，HTTP 层用它保存已结束任务的快照。

未命中时返回 ErrCacheMiss，关闭后的调用返回 ErrClosed。
*/
package cache
