// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法对 nil 接收者安全，未启用指标时可直接传 nil
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// 浏览器池指标
	poolWorkers      *prometheus.GaugeVec
	poolAcquisitions *prometheus.CounterVec
	poolAcquireWait  prometheus.Histogram
	poolDiscards     *prometheus.CounterVec
	poolRespawns     *prometheus.CounterVec

	// 任务指标
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	eventDrops   *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 在默认 Registerer 上创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWith 在指定 Registerer 上创建指标收集器
func NewCollectorWith(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// LLM 指标
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM decision requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	// 浏览器池指标
	c.poolWorkers = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_pool_workers",
			Help:      "Browser workers by state",
		},
		[]string{"state"}, // idle, checked_out, live
	)

	c.poolAcquisitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_pool_acquisitions_total",
			Help:      "Browser pool acquisitions by result",
		},
		[]string{"result"}, // ok, exhausted, closed, cancelled, error
	)

	c.poolAcquireWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "browser_pool_acquire_wait_seconds",
			Help:      "Time spent waiting for a browser worker",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	c.poolDiscards = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_pool_discards_total",
			Help:      "Browser workers discarded by reason",
		},
		[]string{"reason"},
	)

	c.poolRespawns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_pool_respawns_total",
			Help:      "Replacement browser workers spawned by result",
		},
		[]string{"result"},
	)

	// 任务指标
	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by terminal status",
		},
		[]string{"status"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_steps_total",
			Help:      "Recorded task steps by action and outcome",
		},
		[]string{"action", "success"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_step_duration_seconds",
			Help:      "Step action duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action"},
	)

	c.eventDrops = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_event_drops_total",
			Help:      "Task events dropped because the event queue was full",
		},
		[]string{"type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🌐 浏览器池指标记录
// =============================================================================

// SetPoolWorkers 记录池中各状态的 worker 数量
func (c *Collector) SetPoolWorkers(idle, checkedOut, live int) {
	if c == nil {
		return
	}
	c.poolWorkers.WithLabelValues("idle").Set(float64(idle))
	c.poolWorkers.WithLabelValues("checked_out").Set(float64(checkedOut))
	c.poolWorkers.WithLabelValues("live").Set(float64(live))
}

// RecordPoolAcquire 记录一次 Acquire 的结果与等待时间
func (c *Collector) RecordPoolAcquire(result string, wait time.Duration) {
	if c == nil {
		return
	}
	c.poolAcquisitions.WithLabelValues(result).Inc()
	c.poolAcquireWait.Observe(wait.Seconds())
}

// RecordPoolDiscard 记录被丢弃的 worker
func (c *Collector) RecordPoolDiscard(reason string) {
	if c == nil {
		return
	}
	c.poolDiscards.WithLabelValues(reason).Inc()
}

// RecordPoolRespawn 记录补位 worker 的创建结果
func (c *Collector) RecordPoolRespawn(success bool) {
	if c == nil {
		return
	}
	c.poolRespawns.WithLabelValues(outcome(success)).Inc()
}

// =============================================================================
// 🎭 任务指标记录
// =============================================================================

// RecordTask 记录任务终态
func (c *Collector) RecordTask(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStep 记录一个已落盘的步骤
func (c *Collector) RecordStep(action string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(action, strconv.FormatBool(success)).Inc()
	c.stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordEventDrop 记录被丢弃的事件
func (c *Collector) RecordEventDrop(eventType string) {
	if c == nil {
		return
	}
	c.eventDrops.WithLabelValues(eventType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
