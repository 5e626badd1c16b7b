package config

import (
	"os"
	"strconv"
	"time"

	"brainlytree-engine/common/config"
)

// Config 引擎服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 协议引擎特定配置
	Protocol struct {
		Topics struct {
			Status string // 状态主题，如 "device/+/status"
			Data   string // 数据主题，如 "ESP32CAM/+/data"
			Cmd    string // 命令主题模板，如 "device/%s/cmd"
			Ack    string // 确认主题模板，如 "device/%s/ack"
		}
		TransferTimeout        time.Duration // 传输静默超时，超时后请求缺块或标记失败
		StorageRetryCount      int           // storage_unavailable 重试次数
		StorageRetryBackoff    time.Duration
		DupMetadataAlertThresh int // 重复完成元数据告警阈值
	}

	Dispatcher struct {
		RetryInterval time.Duration // 重试扫描间隔
		AckTimeout    time.Duration // sent 状态等待确认的超时
		MaxRetries    int
	}

	Snapshot struct {
		Cadence     time.Duration // 快照生成节拍
		LatestTTL   time.Duration // 设备最新观测缓存 TTL
		StreamName  string        // 报警事件流
		CachePrefix string        // 最新观测缓存键前缀
	}

	Scoring struct {
		BaseURL string
		Enabled bool
	}

	Blob struct {
		RootDir string
	}

	HTTP struct {
		ListenAddr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "brainlytree")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "brainlytree-engine")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Protocol.Topics.Status = getEnv("PROTOCOL_TOPIC_STATUS", "device/+/status")
	cfg.Protocol.Topics.Data = getEnv("PROTOCOL_TOPIC_DATA", "ESP32CAM/+/data")
	cfg.Protocol.Topics.Cmd = getEnv("PROTOCOL_TOPIC_CMD", "device/%s/cmd")
	cfg.Protocol.Topics.Ack = getEnv("PROTOCOL_TOPIC_ACK", "device/%s/ack")
	cfg.Protocol.TransferTimeout = getEnvDuration("PROTOCOL_TRANSFER_TIMEOUT", 90*time.Second)
	cfg.Protocol.StorageRetryCount = getEnvInt("PROTOCOL_STORAGE_RETRY_COUNT", 3)
	cfg.Protocol.StorageRetryBackoff = getEnvDuration("PROTOCOL_STORAGE_RETRY_BACKOFF", 500*time.Millisecond)
	cfg.Protocol.DupMetadataAlertThresh = getEnvInt("PROTOCOL_DUP_METADATA_ALERT_THRESHOLD", 3)

	cfg.Dispatcher.RetryInterval = getEnvDuration("DISPATCHER_RETRY_INTERVAL", 30*time.Second)
	cfg.Dispatcher.AckTimeout = getEnvDuration("DISPATCHER_ACK_TIMEOUT", 2*time.Minute)
	cfg.Dispatcher.MaxRetries = getEnvInt("DISPATCHER_MAX_RETRIES", 2)

	cfg.Snapshot.Cadence = getEnvDuration("SNAPSHOT_CADENCE", 5*time.Minute)
	cfg.Snapshot.LatestTTL = getEnvDuration("SNAPSHOT_LATEST_TTL", 72*time.Hour)
	cfg.Snapshot.StreamName = getEnv("ALERT_STREAM_NAME", "brainlytree:alerts:stream")
	cfg.Snapshot.CachePrefix = getEnv("SNAPSHOT_CACHE_PREFIX", "brainlytree:device:")

	cfg.Scoring.BaseURL = getEnv("SCORING_BASE_URL", "")
	cfg.Scoring.Enabled = cfg.Scoring.BaseURL != ""

	cfg.Blob.RootDir = getEnv("BLOB_ROOT_DIR", "./images")

	cfg.HTTP.ListenAddr = getEnv("HTTP_LISTEN_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
