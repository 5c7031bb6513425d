package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendHF   = "hf"
	BackendONNX = "onnx"
)

type Config struct {
	WebAddr       string
	TelegramToken string

	// MetricsAddr is the bot's Prometheus listener; empty disables it.
	MetricsAddr string

	LogLevel string
	Debug    bool

	PreferIPv4 bool

	Backend        string
	Model          string
	HFToken        string
	HFInferenceURL string
	HFHubURL       string
	HFTopK         int

	ONNXModelPath     string
	ONNXTokenizerPath string
	ONNXConfigPath    string
	ONNXRuntimeLib    string

	MaxUploadBytes     int64
	MediaGroupDebounce time.Duration
	MaxConcurrent      int
	RequestTimeout     time.Duration
	HTTPTimeout        time.Duration
}

// Load reads the environment. Surface-specific requirements (the Telegram
// token) are checked by the binary that needs them.
func Load() (Config, error) {
	cfg := Config{
		WebAddr:            getEnv("WEB_ADDR", ":8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Debug:              getEnvBool("DEBUG", false),
		PreferIPv4:         getEnvBool("PREFER_IPV4", true),
		Backend:            strings.ToLower(getEnv("VQA_BACKEND", BackendHF)),
		Model:              getEnv("VQA_MODEL", "dandelin/vilt-b32-finetuned-vqa"),
		HFInferenceURL:     getEnv("HF_INFERENCE_URL", "https://router.huggingface.co/hf-inference"),
		HFHubURL:           getEnv("HF_HUB_URL", "https://huggingface.co"),
		HFTopK:             getEnvInt("HF_TOP_K", 5),
		ONNXModelPath:      getEnv("ONNX_MODEL_PATH", "models/vilt-vqa/model.onnx"),
		ONNXTokenizerPath:  getEnv("ONNX_TOKENIZER_PATH", "models/vilt-vqa/tokenizer.json"),
		ONNXConfigPath:     getEnv("ONNX_CONFIG_PATH", "models/vilt-vqa/config.json"),
		ONNXRuntimeLib:     getEnv("ONNXRUNTIME_LIB", ""),
		MaxUploadBytes:     int64(getEnvInt("MAX_UPLOAD_MB", 25)) << 20,
		MediaGroupDebounce: time.Duration(getEnvInt("MEDIA_GROUP_DEBOUNCE_MS", 1200)) * time.Millisecond,
		MaxConcurrent:      getEnvInt("MAX_CONCURRENT", 4),
		RequestTimeout:     time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
		HTTPTimeout:        time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 120)) * time.Second,
	}

	cfg.TelegramToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.MetricsAddr = strings.TrimSpace(os.Getenv("METRICS_ADDR"))
	cfg.HFToken = strings.TrimSpace(os.Getenv("HF_API_TOKEN"))

	switch cfg.Backend {
	case BackendHF, BackendONNX:
	default:
		return Config{}, fmt.Errorf("VQA_BACKEND must be %q or %q, got %q", BackendHF, BackendONNX, cfg.Backend)
	}

	if cfg.HFTopK < 1 {
		cfg.HFTopK = 1
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
