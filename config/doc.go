// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 WebPilot 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 WEBPILOT）的顺序叠加，
// 覆盖 HTTP 服务、浏览器后端、worker 池、执行引擎、LLM、Redis、
// 数据库、日志与遥测。登录凭据只能通过 YAML 配置，密码可以改由
// password_env 指定的环境变量提供。
package config
