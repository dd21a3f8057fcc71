// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 perception 把页面 DOM 转换为 LLM 可寻址的编号元素，并把编号解析回具体动作目标。

每个感知周期：

  - Annotate 清除旧标记，为所有可见、非零尺寸、位于视口内的可交互元素
    分配从 1 开始的编号，注入覆盖标签与 data-wp-index 属性
  - Describe / Describer 生成受元素数量与 token 预算限制的文本清单
  - Clear 在截图输出和执行动作前移除全部标记
  - Resolve 按 id、短文本、placeholder、name、aria-label 的顺序
    生成选择器，都不可用时退回元素矩形中心坐标

编号只在当前周期内有效，不跨 Annotate 调用持久化。
*/
package perception
