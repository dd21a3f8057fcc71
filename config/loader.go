// =============================================================================
// 📦 WebPilot 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("WEBPILOT").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 WebPilot 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Browser 浏览器后端配置
	Browser BrowserConfig `yaml:"browser" env:"BROWSER"`

	// Pool 浏览器 worker 池配置
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Engine 任务执行引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// LLM 决策模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Redis 停止标志与事件转发
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 任务与步骤持久化
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Credentials 登录凭据，仅支持 YAML（按引用名索引）
	Credentials map[string]CredentialConfig `yaml:"credentials" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（不作用于事件流）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key，为空时不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 允许跨域的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 同时配置证书和私钥时以 HTTPS 提供服务
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// BrowserConfig 浏览器后端配置
type BrowserConfig struct {
	// 后端: chromedp, rod, remote
	Backend  string `yaml:"backend" env:"BACKEND"`
	Headless bool   `yaml:"headless" env:"HEADLESS"`
	// 单次浏览器操作的超时
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	ViewportWidth  int           `yaml:"viewport_width" env:"VIEWPORT_WIDTH"`
	ViewportHeight int           `yaml:"viewport_height" env:"VIEWPORT_HEIGHT"`
	UserAgent      string        `yaml:"user_agent" env:"USER_AGENT"`
	ProxyURL       string        `yaml:"proxy_url" env:"PROXY_URL"`
	ExecPath       string        `yaml:"exec_path" env:"EXEC_PATH"`
	// 托管浏览器的 CDP 地址
	RemoteURL    string `yaml:"remote_url" env:"REMOTE_URL"`
	RemoteAPIKey string `yaml:"remote_api_key" env:"REMOTE_API_KEY"`
}

// PoolConfig 浏览器池配置
type PoolConfig struct {
	// worker 数量
	Size               int           `yaml:"size" env:"SIZE"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	CreateTimeout      time.Duration `yaml:"create_timeout" env:"CREATE_TIMEOUT"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" env:"HEALTH_CHECK_TIMEOUT"`
	CloseTimeout       time.Duration `yaml:"close_timeout" env:"CLOSE_TIMEOUT"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	// worker 被借出多少次后退役，0 表示不限
	MaxUses int `yaml:"max_uses" env:"MAX_USES"`
	// 后台补位/关闭任务的并发与队列
	BackgroundWorkers int `yaml:"background_workers" env:"BACKGROUND_WORKERS"`
	BackgroundQueue   int `yaml:"background_queue" env:"BACKGROUND_QUEUE"`
}

// EngineConfig 任务执行配置
type EngineConfig struct {
	// 请求未指定时的默认值
	DefaultMaxSteps       int `yaml:"default_max_steps" env:"DEFAULT_MAX_STEPS"`
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" env:"DEFAULT_TIMEOUT_SECONDS"`
	DefaultViewportWidth  int `yaml:"default_viewport_width" env:"DEFAULT_VIEWPORT_WIDTH"`
	DefaultViewportHeight int `yaml:"default_viewport_height" env:"DEFAULT_VIEWPORT_HEIGHT"`

	AbandonGrace           time.Duration `yaml:"abandon_grace" env:"ABANDON_GRACE"`
	ActionTimeout          time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	ActionInterval         time.Duration `yaml:"action_interval" env:"ACTION_INTERVAL"`
	ElementLimit           int           `yaml:"element_limit" env:"ELEMENT_LIMIT"`
	PromptTokenBudget      int           `yaml:"prompt_token_budget" env:"PROMPT_TOKEN_BUDGET"`
	HistorySize            int           `yaml:"history_size" env:"HISTORY_SIZE"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
	// 步数耗尽时的终态: completed 或 failed
	ExhaustedStatus   string        `yaml:"exhausted_status" env:"EXHAUSTED_STATUS"`
	LoginFailureFatal bool          `yaml:"login_failure_fatal" env:"LOGIN_FAILURE_FATAL"`
	LoginSettleDelay  time.Duration `yaml:"login_settle_delay" env:"LOGIN_SETTLE_DELAY"`
	// 内存中保留的已结束任务数
	FinishedCacheSize int `yaml:"finished_cache_size" env:"FINISHED_CACHE_SIZE"`
	// 事件总线的缓冲大小
	EventBufferSize int `yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// Provider 名称，仅用于日志和指标
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// OpenAI 兼容接口的基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 可重试错误的最大重试次数
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 每秒请求数上限，0 表示不限
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Temperature       float64 `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens         int     `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 是否要求 JSON 格式输出
	JSONMode bool `yaml:"json_mode" env:"JSON_MODE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（停止标志跨实例共享、事件转发）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
	// 是否把任务事件发布到 Redis
	PublishEvents bool `yaml:"publish_events" env:"PUBLISH_EVENTS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 是否启用持久化
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时是否执行 SQL 迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率，<=0 不采样，>=1 全采样；父 span 的决定优先
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 为 true 时以明文 gRPC 连接 collector，否则使用 tlsutil 的 TLS 配置
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标导出周期
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
	// 部署环境，写入 deployment.environment 资源属性
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// CredentialConfig 一条登录凭据
type CredentialConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// 从该环境变量读取密码，优先于 Password
	PasswordEnv      string   `yaml:"password_env"`
	LoginURL         string   `yaml:"login_url"`
	UsernameSelector string   `yaml:"username_selector"`
	PasswordSelector string   `yaml:"password_selector"`
	SubmitSelector   string   `yaml:"submit_selector"`
	SuccessPatterns  []string `yaml:"success_patterns"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "WEBPILOT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 解析凭据中的密码环境变量
	resolveCredentialSecrets(cfg.Credentials)

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

func resolveCredentialSecrets(creds map[string]CredentialConfig) {
	for ref, c := range creds {
		if c.PasswordEnv == "" {
			continue
		}
		if v, ok := os.LookupEnv(c.PasswordEnv); ok {
			c.Password = v
			creds[ref] = c
		}
	}
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	switch strings.ToLower(c.Browser.Backend) {
	case "", "chromedp", "local", "chrome", "rod":
	case "remote", "cloud", "hosted", "browserbase":
		if c.Browser.RemoteURL == "" {
			errs = append(errs, "browser.remote_url is required for the remote backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown browser backend %q", c.Browser.Backend))
	}

	if c.Pool.Size < 0 {
		errs = append(errs, "pool.size must not be negative")
	}

	if c.Engine.DefaultMaxSteps < 1 || c.Engine.DefaultMaxSteps > 100 {
		errs = append(errs, "engine.default_max_steps must be between 1 and 100")
	}
	if c.Engine.DefaultTimeoutSeconds < 30 || c.Engine.DefaultTimeoutSeconds > 600 {
		errs = append(errs, "engine.default_timeout_seconds must be between 30 and 600")
	}
	if s := c.Engine.ExhaustedStatus; s != "" && s != "completed" && s != "failed" {
		errs = append(errs, "engine.exhausted_status must be completed or failed")
	}

	if c.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "temperature must be between 0 and 2")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}
	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}

	for ref, cred := range c.Credentials {
		if cred.Username == "" {
			errs = append(errs, fmt.Sprintf("credential %q has no username", ref))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
