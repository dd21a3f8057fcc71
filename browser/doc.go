// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 browser 定义所有浏览器后端必须实现的统一能力契约。

# 概述

上层的 perception、pool 与 engine 只依赖 Provider 接口，
不关心底层是本地 Chrome、托管的云浏览器还是 go-rod。
任何后端操作失败都以 *ProviderError 返回，携带后端名称、
操作名与底层原因，绝不静默吞掉。

# 核心接口

  - Provider：Navigate / PerformAction / Evaluate / Screenshot /
    CurrentURL / PageContent / SetCookie / Close
  - InputDispatcher：可选的坐标点击与原始键入能力，
    当元素没有稳定选择器时由 engine 使用
  - ViewportSetter：可选的运行时视口调整能力
  - Factory / Registry：按后端名称（含别名）创建 Provider 会话

# 选择器语法

所有后端共享同一套选择器语法：默认为 CSS；
"text=<label>" 匹配规范化文本等于 label 的最深层元素；
"xpath=" 前缀或以 "//" 开头的选择器按 XPath 处理。

# 内置实现

  - ChromeDPProvider：NewChromeDPProvider 启动本地 Chrome，
    NewRemoteProvider 连接托管浏览器服务的 CDP websocket 端点
  - RodProvider：基于 go-rod 的 launcher 与 Page

测试使用 browsertest 子包提供的可编排 FakeProvider。
*/
package browser
