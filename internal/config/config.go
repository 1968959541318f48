package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"edc-detector/common/config"
)

// Config 物品在位检测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 检测服务特定配置
	Detector struct {
		MissingTimeout time.Duration // 超过该时长未观测即判定丢失，默认 30秒
		TickInterval   time.Duration // 评估周期，默认 5秒（与超时解耦）

		Topics struct {
			Seen    string // 单物品观测主题，如 "edc/items/+/seen"
			Devices string // 读取器聚合主题，如 "edc/devices"
			Trigger string // 在场触发主题，如 "edc/presence/check"
			Alerts  string // 状态变化通知主题，如 "edc/alerts"
			Missing string // 丢失清单主题，如 "edc/missing"
		}

		// 事件日志写入重试
		LogWrite struct {
			MaxRetries     int
			InitialBackoff time.Duration
			MaxBackoff     time.Duration
		}

		// 通知分发
		Dispatch struct {
			QueueSize      int           // 每个订阅者的缓冲队列长度
			EnqueueTimeout time.Duration // 队列满时最长等待
		}

		AuditUnrecognized bool // 是否记录未注册标识符的观测
	}

	// Redis 在位缓存（可选）
	Presence struct {
		KeyPrefix    string // 如 "edc:item:"
		KeySuffix    string // 如 ":presence"
		Stream       string // 状态变化 stream，如 "edc:transitions:stream"
		StreamMaxLen int64
		TTL          time.Duration // 0 表示不过期
	}

	// 推送网关（可选）
	Webhook struct {
		URL     string
		Timeout time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 数据库（默认 SQLite，边缘部署）
	cfg.Database = config.DatabaseConfig{
		Driver:   config.DriverSQLite,
		Path:     "data/edc.db",
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "edc",
		SSLMode:  "disable",
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{
		Addr: "localhost:6379",
	}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "edc-detector",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	// 检测配置
	cfg.Detector.MissingTimeout = getEnvDuration("MISSING_TIMEOUT", 30*time.Second)
	cfg.Detector.TickInterval = getEnvDuration("EVAL_TICK_INTERVAL", 5*time.Second)

	cfg.Detector.Topics.Seen = getEnv("TOPIC_SEEN", "edc/items/+/seen")
	cfg.Detector.Topics.Devices = getEnv("TOPIC_DEVICES", "edc/devices")
	cfg.Detector.Topics.Trigger = getEnv("TOPIC_TRIGGER", "edc/presence/check")
	cfg.Detector.Topics.Alerts = getEnv("TOPIC_ALERTS", "edc/alerts")
	cfg.Detector.Topics.Missing = getEnv("TOPIC_MISSING", "edc/missing")

	cfg.Detector.LogWrite.MaxRetries = getEnvInt("LOG_WRITE_MAX_RETRIES", 3)
	cfg.Detector.LogWrite.InitialBackoff = getEnvDuration("LOG_WRITE_INITIAL_BACKOFF", 50*time.Millisecond)
	cfg.Detector.LogWrite.MaxBackoff = getEnvDuration("LOG_WRITE_MAX_BACKOFF", time.Second)

	cfg.Detector.Dispatch.QueueSize = getEnvInt("DISPATCH_QUEUE_SIZE", 64)
	cfg.Detector.Dispatch.EnqueueTimeout = getEnvDuration("DISPATCH_ENQUEUE_TIMEOUT", 2*time.Second)

	cfg.Detector.AuditUnrecognized = getEnvBool("AUDIT_UNRECOGNIZED", false)

	cfg.Presence.KeyPrefix = getEnv("PRESENCE_KEY_PREFIX", "edc:item:")
	cfg.Presence.KeySuffix = ":presence"
	cfg.Presence.Stream = getEnv("PRESENCE_STREAM", "edc:transitions:stream")
	cfg.Presence.StreamMaxLen = int64(getEnvInt("PRESENCE_STREAM_MAXLEN", 10000))
	cfg.Presence.TTL = getEnvDuration("PRESENCE_TTL", 0)

	cfg.Webhook.URL = getEnv("WEBHOOK_URL", "")
	cfg.Webhook.Timeout = getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Detector.MissingTimeout <= 0 {
		return fmt.Errorf("MISSING_TIMEOUT must be positive, got %s", c.Detector.MissingTimeout)
	}
	if c.Detector.TickInterval <= 0 {
		return fmt.Errorf("EVAL_TICK_INTERVAL must be positive, got %s", c.Detector.TickInterval)
	}
	if c.Detector.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE must be positive, got %d", c.Detector.Dispatch.QueueSize)
	}
	switch c.Database.Driver {
	case config.DriverSQLite, config.DriverPostgres:
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.Database.Driver)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "30s" 形式，也接受纯数字（按秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
