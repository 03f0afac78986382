package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server          ServerConfig
	OpenRouter      OpenRouterConfig
	Gemini          GeminiConfig
	AI              AIConfig
	Retry           RetryConfig
	Voice           VoiceConfig
	Storage         StorageConfig
	Catalog         CatalogConfig
	RateLimit       RateLimitConfig
	Chat            ChatConfig
	UpstreamTimeout time.Duration
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	retry, err := loadRetryConfig()
	if err != nil {
		return nil, err
	}

	voice, err := loadVoiceConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	catalogCfg, err := loadCatalogConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	timeout, err := parseDurationEnv("UPSTREAM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:          server,
		OpenRouter:      loadOpenRouterConfig(),
		Gemini:          loadGeminiConfig(),
		AI:              ai,
		Retry:           retry,
		Voice:           voice,
		Storage:         storage,
		Catalog:         catalogCfg,
		RateLimit:       rateLimit,
		Chat:            ChatConfig{DefaultModel: strings.TrimSpace(os.Getenv("DEFAULT_MODEL"))},
		UpstreamTimeout: timeout,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS")
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// OpenRouterConfig 描述 OpenRouter 接入配置。
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Referer string
	Title   string
}

// Enabled 表示是否提供了 API Key。
func (c OpenRouterConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadOpenRouterConfig() OpenRouterConfig {
	return OpenRouterConfig{
		APIKey:  strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		BaseURL: getEnvOrDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		Referer: strings.TrimSpace(os.Getenv("OPENROUTER_REFERER")),
		Title:   getEnvOrDefault("OPENROUTER_TITLE", "z-chat"),
	}
}

// GeminiConfig 描述 Gemini 接入配置。
type GeminiConfig struct {
	APIKey string
}

func (c GeminiConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadGeminiConfig() GeminiConfig {
	key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	}
	return GeminiConfig{APIKey: key}
}

// AIConfig 描述重试顾问使用的 Ark 大模型配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// RetryConfig 控制失败后的重试顾问。
type RetryConfig struct {
	Enabled      bool
	AdvisorModel string
}

func loadRetryConfig() (RetryConfig, error) {
	enabled, err := parseBoolEnv("RETRY_ADVISOR_ENABLED", true)
	if err != nil {
		return RetryConfig{}, err
	}
	return RetryConfig{
		Enabled:      enabled,
		AdvisorModel: getEnvOrDefault("RETRY_ADVISOR_MODEL", "gemini-2.0-flash"),
	}, nil
}

// VoiceConfig 描述 ElevenLabs 语音对话配置。
type VoiceConfig struct {
	APIKey      string
	AgentID     string
	URL         string
	LLMModel    string
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// Enabled 表示是否提供了 API Key 与 Agent。
func (c VoiceConfig) Enabled() bool {
	return c.APIKey != "" && c.AgentID != ""
}

func loadVoiceConfig() (VoiceConfig, error) {
	timeout, err := parseDurationEnv("VOICE_TIMEOUT", 60*time.Second)
	if err != nil {
		return VoiceConfig{}, err
	}
	idle, err := parseDurationEnv("VOICE_IDLE_TIMEOUT", 1500*time.Millisecond)
	if err != nil {
		return VoiceConfig{}, err
	}
	return VoiceConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		AgentID:     strings.TrimSpace(os.Getenv("ELEVENLABS_AGENT_ID")),
		URL:         getEnvOrDefault("ELEVENLABS_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		LLMModel:    getEnvOrDefault("ELEVENLABS_LLM_MODEL", "deepseek/deepseek-chat-v3-0324:free"),
		Timeout:     timeout,
		IdleTimeout: idle,
	}, nil
}

// StorageConfig 选择会话持久化后端。
type StorageConfig struct {
	Driver      string
	Path        string
	RedisURL    string
	DatabaseURL string
}

func loadStorageConfig() (StorageConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORAGE_DRIVER", "memory"))
	cfg := StorageConfig{
		Driver:      driver,
		Path:        strings.TrimSpace(os.Getenv("STORAGE_PATH")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	switch driver {
	case "memory":
	case "file":
		if cfg.Path == "" {
			cfg.Path = "data/workspace.json"
		}
	case "sqlite":
		if cfg.Path == "" {
			cfg.Path = "data/workspace.db"
		}
	case "redis":
		if cfg.RedisURL == "" {
			return StorageConfig{}, fmt.Errorf("STORAGE_DRIVER=redis requires REDIS_URL")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return StorageConfig{}, fmt.Errorf("STORAGE_DRIVER=postgres requires DATABASE_URL")
		}
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_DRIVER value: %q", driver)
	}
	return cfg, nil
}

// CatalogConfig 指向可选的模型目录文件。
type CatalogConfig struct {
	Path  string
	Watch bool
}

func loadCatalogConfig() (CatalogConfig, error) {
	watch, err := parseBoolEnv("CATALOG_WATCH", true)
	if err != nil {
		return CatalogConfig{}, err
	}
	return CatalogConfig{
		Path:  strings.TrimSpace(os.Getenv("CATALOG_PATH")),
		Watch: watch,
	}, nil
}

// RateLimitConfig 描述发送与语音接口的按 IP 限流。
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Enabled 表示是否开启限流。
func (c RateLimitConfig) Enabled() bool {
	return c.RPS > 0 && c.Burst > 0
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	rps := 1.0
	if override, err := parseOptionalFloatEnv("RATE_LIMIT_RPS"); err != nil {
		return RateLimitConfig{}, err
	} else if override != nil {
		rps = *override
	}

	burst := 5
	if override, err := parseOptionalIntEnv("RATE_LIMIT_BURST"); err != nil {
		return RateLimitConfig{}, err
	} else if override != nil {
		burst = *override
	}
	return RateLimitConfig{RPS: rps, Burst: burst}, nil
}

// ChatConfig 描述会话默认值。
type ChatConfig struct {
	DefaultModel string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 "45s" 这类时长，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
