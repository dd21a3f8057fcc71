// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理任务存储（task_records、step_records）的 Schema 版本，
基于 golang-migrate，支持 PostgreSQL、MySQL 与 SQLite。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、DownAll、Steps、Goto、Force、
    Version、Status、Info。迁移在 ctx 取消后于当前文件执行完毕时停止。
  - Config：数据库类型、连接 URL、迁移表名与锁超时；MigrationsPath
    非空时从磁盘目录读取迁移文件，否则使用内嵌文件。
  - CLI：webpilot migrate 子命令的终端输出层，Run 按名称分派。

迁移文件命名为 <version>_<name>.up.sql / .down.sql，三种方言版本号一致。
GormRecorder 的 AutoMigrate 与这里的 SQL 产出相同的表结构，二选一即可。
*/
package migration
