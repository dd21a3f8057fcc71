// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 planner 提供基于大语言模型的决策器，实现 engine.Decider。

每一轮执行，Planner 把任务指令、当前 URL、步数计数、最近的操作历史与
带编号的可交互元素列表渲染为提示词，请求模型返回单个 JSON 对象形式的下一步操作。

模型输出并不总是规范的 JSON：解析时会去掉 Markdown 代码块与前后说明文字，
失败后再交给 jsonrepair 修复（单引号、尾随逗号、未加引号的键、截断的对象）。
可重试的 LLM 错误（限流、上游 5xx、超时）按线性退避重试。
*/
package planner
