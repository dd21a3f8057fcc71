// =============================================================================
// 📦 WebPilot 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Browser:     DefaultBrowserConfig(),
		Pool:        DefaultPoolConfig(),
		Engine:      DefaultEngineConfig(),
		LLM:         DefaultLLMConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Credentials: map[string]CredentialConfig{},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultBrowserConfig 返回默认浏览器配置
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Backend:        "chromedp",
		Headless:       true,
		Timeout:        30 * time.Second,
		ViewportWidth:  1280,
		ViewportHeight: 800,
	}
}

// DefaultPoolConfig 返回默认池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:               4,
		AcquireTimeout:     30 * time.Second,
		CreateTimeout:      45 * time.Second,
		HealthCheckTimeout: 5 * time.Second,
		CloseTimeout:       10 * time.Second,
		ShutdownGrace:      15 * time.Second,
		BackgroundWorkers:  8,
		BackgroundQueue:    64,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultMaxSteps:        20,
		DefaultTimeoutSeconds:  300,
		DefaultViewportWidth:   1280,
		DefaultViewportHeight:  800,
		AbandonGrace:           5 * time.Second,
		ActionTimeout:          30 * time.Second,
		ActionInterval:         250 * time.Millisecond,
		ElementLimit:           150,
		PromptTokenBudget:      6000,
		HistorySize:            10,
		MaxConsecutiveFailures: 5,
		ExhaustedStatus:        "completed",
		LoginSettleDelay:       1500 * time.Millisecond,
		FinishedCacheSize:      1000,
		EventBufferSize:        256,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:     "openai",
		BaseURL:      "https://api.openai.com",
		Model:        "gpt-4o-mini",
		Timeout:      45 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
		Temperature:  0.1,
		MaxTokens:    512,
		JSONMode:     true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:       false,
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		PoolSize:      10,
		MinIdleConns:  2,
		KeyPrefix:     "webpilot:",
		PublishEvents: true,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         false,
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "webpilot",
		Password:        "",
		Name:            "webpilot",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "webpilot",
		SampleRate:     0.1,
		Insecure:       true,
		ExportInterval: 30 * time.Second,
	}
}
