// =============================================================================
// 📦 framegen 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// 后端类型
const (
	BackendRunner = "runner"
	BackendGemini = "gemini"
)

// 归档类型
const (
	ArchiveNone  = "none"
	ArchiveFS    = "fs"
	ArchiveMinIO = "minio"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Backend:   DefaultBackendConfig(),
		Cache:     DefaultCacheConfig(),
		Archive:   DefaultArchiveConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8000,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       11 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		MaxBodyBytes:       64 << 20,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       5,
		RateLimitBurst:     10,
	}
}

// DefaultPipelineConfig 返回默认帧合成参数
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxCharacters:     4,
		StyleScale:        0.4,
		FaceScale:         0.5,
		NumInferenceSteps: 25,
		GuidanceScale:     5.0,
		ControlNetScale:   0.5,
		Timeout:           10 * time.Minute,
		MaxConcurrent:     1,
		MaxImagePixels:    4096 * 4096,
	}
}

// DefaultBackendConfig 返回默认推理后端配置
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Kind: BackendRunner,
		Runner: RunnerConfig{
			BaseURL:             "http://localhost:7860",
			Timeout:             5 * time.Minute,
			MaxRetries:          2,
			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
			BaseModel:           "stabilityai/stable-diffusion-xl-base-1.0",
			ControlNet:          "diffusers/controlnet-depth-sdxl-1.0",
			DepthModel:          "Intel/dpt-large",
			IPAdapters:          DefaultIPAdapters(),
			LoadOnStart:         true,
		},
		Gemini: GeminiConfig{
			Model:   "gemini-2.5-flash-image",
			Timeout: 2 * time.Minute,
		},
	}
}

// DefaultIPAdapters 返回风格与 FaceID 两个适配器，下标 0 为风格，1 为 FaceID
func DefaultIPAdapters() []IPAdapterConfig {
	return []IPAdapterConfig{
		{Name: "style", Repo: "h94/IP-Adapter", Subfolder: "sdxl_models", WeightFile: "ip-adapter_sdxl.bin"},
		{Name: "faceid", Repo: "h94/IP-Adapter-FaceID", Subfolder: "", WeightFile: "ip-adapter-faceid_sdxl.bin"},
	}
}

// DefaultCacheConfig 返回默认 Redis 嵌入缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
		TTL:      24 * time.Hour,
		Prefix:   "framegen:embed:",
	}
}

// DefaultArchiveConfig 返回默认归档配置，与原始服务一致写入 result 目录
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Kind: ArchiveFS,
		Dir:  "result",
		MinIO: MinIOConfig{
			Endpoint: "localhost:9000",
			Bucket:   "framegen-results",
		},
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
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "framegen",
		SampleRate:   0.1,
	}
}
