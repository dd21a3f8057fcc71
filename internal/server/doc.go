// 版权所有 2024 WebPilot Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 HTTP/HTTPS 服务器的生命周期：非阻塞启动、
优雅关闭与异步错误传播。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，一个进程里
    API 服务和 metrics 服务各持有一个实例，以 name 区分日志。
  - Config：监听地址、读写超时、空闲超时、请求头上限与关闭超时。

# 主要能力

  - Start/StartTLS 在后台 goroutine 中服务；StartTLS 使用
    tlsutil.DefaultTLSConfig（TLS 1.2+，仅 AEAD 套件）。
  - Addr 返回实际监听地址，":0" 启动后可取得随机端口。
  - Shutdown 幂等，在 ShutdownTimeout 内排空请求。
  - Errors 返回 Serve 的异步错误，供 main 的信号循环 select。

WriteTimeout 默认为 0：任务事件流是长连接 websocket。
*/
package server
