// =============================================================================
// 📦 framegen 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FRAMEGEN").
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

// Config 是 framegen 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Pipeline 帧合成参数
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Backend 推理后端配置
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Cache 嵌入缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Archive 结果归档配置
	Archive ArchiveConfig `yaml:"archive" env:"ARCHIVE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，需要覆盖一次完整的帧生成
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 请求体上限（字节），base64 图片体积较大
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// CORS 允许的来源，"*" 表示全部
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每个客户端 IP 的限流速率
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key 列表，为空时不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许通过 query 参数传递 API Key
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
}

// PipelineConfig 帧合成参数
type PipelineConfig struct {
	// 单次请求最多的角色参考图数量
	MaxCharacters int `yaml:"max_characters" env:"MAX_CHARACTERS"`
	// 风格适配器（上一帧）权重
	StyleScale float64 `yaml:"style_scale" env:"STYLE_SCALE"`
	// FaceID 适配器权重，每个角色一份
	FaceScale float64 `yaml:"face_scale" env:"FACE_SCALE"`
	// 推理步数
	NumInferenceSteps int `yaml:"num_inference_steps" env:"NUM_INFERENCE_STEPS"`
	// CFG 引导系数
	GuidanceScale float64 `yaml:"guidance_scale" env:"GUIDANCE_SCALE"`
	// ControlNet 条件权重
	ControlNetScale float64 `yaml:"controlnet_scale" env:"CONTROLNET_SCALE"`
	// 负向提示词
	NegativePrompt string `yaml:"negative_prompt" env:"NEGATIVE_PROMPT"`
	// 追加到每个提示词后的风格后缀
	PromptSuffix string `yaml:"prompt_suffix" env:"PROMPT_SUFFIX"`
	// 单次生成超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 同时进行的生成数量上限
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 单张输入图像的像素上限（宽 x 高），解码前按图像头部检查
	MaxImagePixels int `yaml:"max_image_pixels" env:"MAX_IMAGE_PIXELS"`
}

// BackendConfig 推理后端配置
type BackendConfig struct {
	// 后端类型: runner, gemini
	Kind string `yaml:"kind" env:"KIND"`
	// Runner 推理服务配置
	Runner RunnerConfig `yaml:"runner" env:"RUNNER"`
	// Gemini 配置
	Gemini GeminiConfig `yaml:"gemini" env:"GEMINI"`
}

// RunnerConfig 推理 Runner 配置
type RunnerConfig struct {
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Bearer Token（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 单次 HTTP 调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 连续失败多少次后熔断，熔断期间请求直接返回 SERVICE_UNAVAILABLE
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断后多久放行一次试探请求
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	// 额外信任的 CA 证书（PEM），用于自签证书的 Runner
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
	// 基础扩散模型
	BaseModel string `yaml:"base_model" env:"BASE_MODEL"`
	// ControlNet 深度模型
	ControlNet string `yaml:"controlnet" env:"CONTROLNET"`
	// 深度估计模型
	DepthModel string `yaml:"depth_model" env:"DEPTH_MODEL"`
	// IP-Adapter 列表，顺序即适配器下标
	IPAdapters []IPAdapterConfig `yaml:"ip_adapters" env:"-"`
	// 启动时是否要求 Runner 加载模型
	LoadOnStart bool `yaml:"load_on_start" env:"LOAD_ON_START"`
}

// IPAdapterConfig 单个 IP-Adapter 权重位置
type IPAdapterConfig struct {
	Name       string `yaml:"name"`
	Repo       string `yaml:"repo"`
	Subfolder  string `yaml:"subfolder"`
	WeightFile string `yaml:"weight_file"`
}

// GeminiConfig Gemini 后端配置
type GeminiConfig struct {
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CacheConfig Redis 嵌入缓存配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 嵌入过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 键前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// ArchiveConfig 生成结果归档配置
type ArchiveConfig struct {
	// 归档类型: none, fs, minio
	Kind string `yaml:"kind" env:"KIND"`
	// 本地目录（fs）
	Dir string `yaml:"dir" env:"DIR"`
	// MinIO 配置
	MinIO MinIOConfig `yaml:"minio" env:"MINIO"`
}

// MinIOConfig 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
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
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
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
		envPrefix:  "FRAMEGEN",
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
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

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
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
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

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "max_body_bytes must be positive")
	}

	p := c.Pipeline
	if p.MaxCharacters <= 0 {
		errs = append(errs, "max_characters must be positive")
	}
	if p.StyleScale < 0 || p.FaceScale < 0 {
		errs = append(errs, "adapter scales must not be negative")
	}
	if p.NumInferenceSteps <= 0 {
		errs = append(errs, "num_inference_steps must be positive")
	}
	if p.MaxConcurrent <= 0 {
		errs = append(errs, "max_concurrent must be positive")
	}
	if p.MaxImagePixels <= 0 {
		errs = append(errs, "max_image_pixels must be positive")
	}

	switch c.Backend.Kind {
	case BackendRunner:
		if c.Backend.Runner.BaseURL == "" {
			errs = append(errs, "backend.runner.base_url is required")
		}
		if len(c.Backend.Runner.IPAdapters) != 2 {
			errs = append(errs, "backend.runner.ip_adapters must list the style and faceid adapters")
		}
	case BackendGemini:
		if c.Backend.Gemini.APIKey == "" {
			errs = append(errs, "backend.gemini.api_key is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown backend kind %q", c.Backend.Kind))
	}

	switch c.Archive.Kind {
	case ArchiveNone, ArchiveFS:
	case ArchiveMinIO:
		if c.Archive.MinIO.Endpoint == "" || c.Archive.MinIO.Bucket == "" {
			errs = append(errs, "archive.minio endpoint and bucket are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown archive kind %q", c.Archive.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
