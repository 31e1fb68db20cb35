package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server     ServerConfig
	Catalogue  CatalogueConfig
	Cache      CacheConfig
	Jobs       JobsConfig
	Download   DownloadConfig
	Transcoder TranscoderConfig
	Preload    PreloadConfig
	Auth       AuthConfig
	Admin      AdminConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	BaseURL         string        `envconfig:"BASE_URL" default:""`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
}

type CatalogueConfig struct {
	// NeteaseAPIURL and QQAPIURL point at NeteaseCloudMusicApi-compatible
	// upstream API services.
	NeteaseAPIURL string        `envconfig:"NETEASE_API_URL" default:"http://localhost:3000"`
	QQAPIURL      string        `envconfig:"QQ_API_URL" default:"http://localhost:3200"`
	Timeout       time.Duration `envconfig:"CATALOGUE_TIMEOUT" default:"10s"`
	PlaylistTTL   time.Duration `envconfig:"PLAYLIST_CACHE_TTL" default:"30m"`
}

type CacheConfig struct {
	Dir             string        `envconfig:"HLS_CACHE_DIR" default:"data/cache"`
	TempDir         string        `envconfig:"HLS_TEMP_DIR" default:"data/temp"`
	MaxAge          time.Duration `envconfig:"HLS_CACHE_MAX_AGE" default:"24h"`
	MaxSizeBytes    int64         `envconfig:"HLS_CACHE_MAX_SIZE" default:"5368709120"`
	CleanupInterval time.Duration `envconfig:"HLS_CACHE_CLEANUP_INTERVAL" default:"1h"`
	CleanupToRatio  float64       `envconfig:"HLS_CACHE_CLEANUP_TARGET_RATIO" default:"0.8"`
}

type JobsConfig struct {
	MaxConcurrent int `envconfig:"HLS_MAX_CONCURRENT_JOBS" default:"4"`
	MaxQueue      int `envconfig:"HLS_MAX_QUEUE" default:"20"`
}

type DownloadConfig struct {
	Timeout      time.Duration `envconfig:"HLS_DOWNLOAD_TIMEOUT" default:"60s"`
	MaxSizeBytes int64         `envconfig:"HLS_DOWNLOAD_MAX_SIZE" default:"104857600"`
	MaxRedirects int           `envconfig:"HLS_DOWNLOAD_MAX_REDIRECTS" default:"5"`
	// ExtraAllowHosts is a comma-separated list of additional hostname
	// regexp patterns permitted for downloads.
	ExtraAllowHosts string `envconfig:"HLS_DOWNLOAD_ALLOW_HOSTS" default:""`
}

type TranscoderConfig struct {
	FFmpegPath      string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	StallTimeout    time.Duration `envconfig:"HLS_FFMPEG_TIMEOUT" default:"180s"`
	SegmentDuration int           `envconfig:"HLS_SEGMENT_DURATION" default:"10"`
	CoverWidth      int           `envconfig:"COVER_WIDTH" default:"1920"`
	CoverHeight     int           `envconfig:"COVER_HEIGHT" default:"1080"`
	CoverFPS        int           `envconfig:"COVER_FPS" default:"5"`
	Threads         int           `envconfig:"HLS_FFMPEG_THREADS" default:"0"`
	DefaultCoverURL string        `envconfig:"DEFAULT_COVER_URL" default:"https://p1.music.126.net/6y-UleORITEDbvrOLV0Q8A==/5639395138885805.jpg"`
}

type PreloadConfig struct {
	AutoCount int `envconfig:"HLS_AUTO_PRELOAD_COUNT" default:"1"`
	// ReadAheadCount is how many tracks past the one just played get warmed.
	ReadAheadCount int `envconfig:"HLS_READ_AHEAD_COUNT" default:"2"`
	// MaxRequestCount caps the per-request track count on the preload
	// endpoint.
	MaxRequestCount int `envconfig:"HLS_PRELOAD_MAX_COUNT" default:"20"`
	// BackgroundAPIURL serves random background images for lite_video mode.
	BackgroundAPIURL     string        `envconfig:"LITE_VIDEO_BG_API_URL" default:"https://api.miaomc.cn/image/get"`
	BackgroundAPITimeout time.Duration `envconfig:"LITE_VIDEO_BG_API_TIMEOUT" default:"8s"`
}

type AuthConfig struct {
	// SigningKey signs playback tokens and encrypts stored upstream
	// credentials. Must be at least 16 bytes.
	SigningKey string        `envconfig:"ENCRYPTION_KEY" required:"true"`
	TokenTTL   time.Duration `envconfig:"PLAYBACK_TOKEN_TTL" default:"5m"`
}

type AdminConfig struct {
	Enabled  bool   `envconfig:"HLS_ADMIN_ENABLED" default:"false"`
	Password string `envconfig:"ADMIN_PASSWORD" default:""`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"tunecast"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"tunecast"`
	DBName   string `envconfig:"POSTGRES_DB" default:"tunecast"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"tunecast"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"tunecast"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.clamp()
	return &cfg, nil
}

// clamp bounds operator-supplied values that would otherwise produce broken
// output (segment durations players reject, zero-ratio cleanup loops).
func (c *Config) clamp() {
	if c.Transcoder.SegmentDuration < 4 {
		c.Transcoder.SegmentDuration = 4
	}
	if c.Transcoder.SegmentDuration > 60 {
		c.Transcoder.SegmentDuration = 60
	}
	if c.Transcoder.CoverFPS < 1 || c.Transcoder.CoverFPS > 30 {
		c.Transcoder.CoverFPS = 5
	}
	if c.Cache.CleanupToRatio <= 0 || c.Cache.CleanupToRatio >= 1 {
		c.Cache.CleanupToRatio = 0.8
	}
	if c.Jobs.MaxConcurrent < 1 {
		c.Jobs.MaxConcurrent = 1
	}
	if c.Jobs.MaxQueue < 0 {
		c.Jobs.MaxQueue = 0
	}
	if c.Preload.AutoCount < 0 {
		c.Preload.AutoCount = 0
	}
	if c.Preload.ReadAheadCount < 0 {
		c.Preload.ReadAheadCount = 0
	}
}
