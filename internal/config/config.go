package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Models     ModelsConfig     `mapstructure:"models"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Generation GenerationConfig `mapstructure:"generation"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Image      ImageConfig      `mapstructure:"image"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Log        LogConfig        `mapstructure:"log"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type ModelsConfig struct {
	Root          string `mapstructure:"root"`
	DefaultID     string `mapstructure:"default_id"`
	Suffix        string `mapstructure:"suffix"`
	NestedDir     string `mapstructure:"nested_dir"`
	LoadOnStartup bool   `mapstructure:"load_on_startup"`
}

type EngineConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	ServedModel  string        `mapstructure:"served_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DebugRequest bool          `mapstructure:"debug_request"`
}

type GenerationConfig struct {
	Temperature float32 `mapstructure:"temperature"`
	TopP        float32 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

type StreamConfig struct {
	CharDelay      time.Duration `mapstructure:"char_delay"`
	ContinueRatio  float64       `mapstructure:"continue_ratio"`
	ContinuePrompt string        `mapstructure:"continue_prompt"`
}

type ImageConfig struct {
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Dir         string `mapstructure:"dir"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultContinuePrompt 输出可能被截断时追加的续写提示
const DefaultContinuePrompt = "\n\n계속해서 더 들려드릴까요?"

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("models.root", "./models")
	v.SetDefault("models.default_id", "")
	v.SetDefault("models.suffix", "-mlx")
	v.SetDefault("models.nested_dir", "mlx_models")
	v.SetDefault("models.load_on_startup", true)

	v.SetDefault("engine.provider", "openai")
	v.SetDefault("engine.base_url", "http://127.0.0.1:8080/v1")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.served_model", "")
	v.SetDefault("engine.timeout", 10*time.Minute)
	v.SetDefault("engine.debug_request", false)

	v.SetDefault("generation.temperature", 0.7)
	v.SetDefault("generation.top_p", 0.95)
	v.SetDefault("generation.max_tokens", 800)

	v.SetDefault("stream.char_delay", 10*time.Millisecond)
	v.SetDefault("stream.continue_ratio", 0.8)
	v.SetDefault("stream.continue_prompt", DefaultContinuePrompt)

	v.SetDefault("image.fetch_timeout", 10*time.Second)
	v.SetDefault("image.max_upload_bytes", 20<<20)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	// 未在默认值中出现的 key 不会被 AutomaticEnv 覆盖
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dir", "logs")
	v.SetDefault("telemetry.service_name", "vlm-gateway")
}

// Load 读取配置文件；文件不存在时使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	// .env 可选
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("VLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}

	// 兼容原有的环境变量
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		c.Models.Root = dir
	}
	if id := os.Getenv("MODEL_ID"); id != "" {
		c.Models.DefaultID = id
	}
	if c.Engine.APIKey == "" {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			c.Engine.APIKey = apiKey
		}
		if apiKey := os.Getenv("DASHSCOPE_API_KEY"); apiKey != "" && c.Engine.Provider == "qwen" {
			c.Engine.APIKey = apiKey
		}
		if apiKey := os.Getenv("ARK_API_KEY"); apiKey != "" && c.Engine.Provider == "ark" {
			c.Engine.APIKey = apiKey
		}
	}

	cfg = c
	return cfg, nil
}

func Get() *Config {
	return cfg
}
