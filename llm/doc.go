// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义决策器所依赖的最小大语言模型接入契约。

# 核心接口

  - [Provider]：同步补全 Completion 与 Name
  - [ChatRequest] / [ChatResponse]：OpenAI 风格的消息模型
  - [Error]：统一错误码，携带 HTTP 状态与可重试标记

具体实现见子包 openaicompat，它可对接任意兼容 /v1/chat/completions
的服务（OpenAI、DeepSeek、Qwen、本地 vLLM 等）。
*/
package llm
