package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// 所有字段都来自环境变量（可通过 .env 文件提供），未设置时使用默认值。
type Config struct {
	// 数据库
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisEnabled  bool

	// 对象存储（MinIO / S3 / R2 兼容）
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	PresignExpiry  time.Duration

	// 音频处理
	FFmpegPath    string
	FFprobePath   string
	SampleRate    int
	WatermarkPath string
	TempDir       string

	// 音频 worker 服务
	WorkerAddr    string
	WorkerURL     string
	WorkerAPIKey  string
	WorkerTimeout time.Duration

	// 生成后端
	GenerateFromDescriptionURL     string
	GenerateWithLyricsURL          string
	GenerateWithDescribedLyricsURL string
	ModalKey                       string
	ModalSecret                    string
	GenerationTimeout              time.Duration
	DefaultGuidanceScale           float64
	DefaultAudioDuration           float64

	// 任务运行时
	JobWorkers      int
	StepMaxRetries  int
	StepRetryBase   time.Duration
	UserLockTTL     time.Duration
	DistributedLock bool

	// API 服务
	APIAddr   string
	JWTSecret string

	// 日志
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration 支持 "30s" 这样的写法，纯数字按秒处理
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv 只读取当前进程环境变量，不加载 .env 文件（测试使用）
func FromEnv() *Config {
	ffmpegPath := getEnv("FFMPEG_PATH", "ffmpeg")

	return &Config{
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "musegen"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisEnabled:  getEnvBool("REDIS_ENABLED", true),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "musegen"),
		MinioRegion:    getEnv("MINIO_REGION", "auto"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		PresignExpiry:  getEnvDuration("PRESIGN_EXPIRY", time.Hour),

		FFmpegPath:    ffmpegPath,
		FFprobePath:   getEnv("FFPROBE_PATH", strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)),
		SampleRate:    getEnvInt("AUDIO_SAMPLE_RATE", 44100),
		WatermarkPath: getEnv("WATERMARK_PATH", "assets/watermark.mp3"),
		TempDir:       getEnv("AUDIO_TEMP_DIR", os.TempDir()),

		WorkerAddr:    getEnv("WORKER_ADDR", ":3001"),
		WorkerURL:     getEnv("WORKER_URL", "http://127.0.0.1:3001"),
		WorkerAPIKey:  os.Getenv("AUDIO_WORKER_API_KEY"),
		WorkerTimeout: getEnvDuration("WORKER_TIMEOUT", 2*time.Minute),

		GenerateFromDescriptionURL:     os.Getenv("GENERATE_FROM_DESCRIPTION"),
		GenerateWithLyricsURL:          os.Getenv("GENERATE_WITH_LYRICS"),
		GenerateWithDescribedLyricsURL: os.Getenv("GENERATE_WITH_DESCRIBED_LYRICS"),
		ModalKey:                       os.Getenv("MODAL_KEY"),
		ModalSecret:                    os.Getenv("MODAL_SECRET"),
		GenerationTimeout:              getEnvDuration("GENERATION_TIMEOUT", 10*time.Minute),
		DefaultGuidanceScale:           getEnvFloat("DEFAULT_GUIDANCE_SCALE", 15),
		DefaultAudioDuration:           getEnvFloat("DEFAULT_AUDIO_DURATION", 180),

		JobWorkers:      getEnvInt("JOB_WORKERS", 4),
		StepMaxRetries:  getEnvInt("STEP_MAX_RETRIES", 3),
		StepRetryBase:   getEnvDuration("STEP_RETRY_BASE", 200*time.Millisecond),
		UserLockTTL:     getEnvDuration("USER_LOCK_TTL", 15*time.Minute),
		DistributedLock: getEnvBool("DISTRIBUTED_LOCK", false),

		APIAddr:   getEnv("API_ADDR", ":8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", "logs/musegen.log"),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
	}
}

// GenerationEndpointsConfigured 三个生成接口是否都已配置
func (c *Config) GenerationEndpointsConfigured() bool {
	return c.GenerateFromDescriptionURL != "" && c.GenerateWithLyricsURL != "" && c.GenerateWithDescribedLyricsURL != ""
}
