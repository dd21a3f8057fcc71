// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 打开任务历史库并管理其连接池。

Open 按 config.DatabaseConfig 的驱动选择 gorm 方言（postgres、mysql、
纯 Go 的 sqlite），慢查询写入 zap。InstrumentQueries 在 gorm 回调链上
记录每条语句的耗时。PoolManager 设置连接上限，后台定时探活，并把
打开与空闲连接数写入 metrics.Collector。
*/
package database
