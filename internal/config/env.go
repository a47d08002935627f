// Package config reads service settings from the environment and the stream
// bootstrap file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every service variable.
const EnvPrefix = "ZONEWATCH_"

// Settings holds the service settings. Flags in main override them.
type Settings struct {
	HTTPAddr    string
	LogFormat   string
	LogLevel    string
	StreamsFile string

	Workers           int
	MaxStreams        int
	MaxZonesPerStream int
	MaxTotalZones     int
	JPEGQuality       int

	DetectorCommand    string
	DetectorArgs       []string
	DetectorConfidence float64
	DetectorTimeout    time.Duration

	CPUThreshold    float64 // percent, 0 disables throttling
	Retention       time.Duration
	PruneInterval   time.Duration
	SummaryInterval time.Duration

	Kafka KafkaSettings
}

// KafkaSettings configures the optional Kafka result sink. An empty
// BootstrapServers disables it.
type KafkaSettings struct {
	BootstrapServers string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	Topic            string
	CompressionType  string
	Acks             string
	LingerMS         int
}

// Enabled reports whether a broker is configured.
func (k KafkaSettings) Enabled() bool {
	return k.BootstrapServers != ""
}

// LoadEnv loads variables from the given .env files, or from ./.env when
// none is given. Variables already set in the environment win. Missing files
// are not an error.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// FromEnv builds Settings from ZONEWATCH_* and KAFKA_* variables, using the
// defaults for anything unset or malformed.
func FromEnv() Settings {
	return Settings{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StreamsFile: getEnv("STREAMS_FILE", ""),

		Workers:           getEnvInt("WORKERS", 2),
		MaxStreams:        getEnvInt("MAX_STREAMS", 4),
		MaxZonesPerStream: getEnvInt("MAX_ZONES_PER_STREAM", 10),
		MaxTotalZones:     getEnvInt("MAX_TOTAL_ZONES", 40),
		JPEGQuality:       getEnvInt("JPEG_QUALITY", 90),

		DetectorCommand:    getEnv("DETECTOR_CMD", ""),
		DetectorArgs:       strings.Fields(getEnv("DETECTOR_ARGS", "")),
		DetectorConfidence: getEnvFloat("DETECTOR_CONFIDENCE", 0.5),
		DetectorTimeout:    getEnvDuration("DETECTOR_TIMEOUT", 5*time.Second),

		CPUThreshold:    getEnvFloat("CPU_THRESHOLD", 80),
		Retention:       getEnvDuration("RETENTION", 24*time.Hour),
		PruneInterval:   getEnvDuration("PRUNE_INTERVAL", time.Hour),
		SummaryInterval: getEnvDuration("SUMMARY_INTERVAL", 30*time.Second),

		Kafka: KafkaSettings{
			BootstrapServers: os.Getenv("KAFKA_BOOTSTRAP_SERVERS"),
			SecurityProtocol: getEnvRaw("KAFKA_SECURITY_PROTOCOL", "PLAINTEXT"),
			SASLMechanism:    getEnvRaw("KAFKA_SASL_MECHANISM", "PLAIN"),
			SASLUsername:     os.Getenv("KAFKA_SASL_USERNAME"),
			SASLPassword:     os.Getenv("KAFKA_SASL_PASSWORD"),
			Topic:            getEnvRaw("KAFKA_TOPIC", "zone-occupancy-results"),
			CompressionType:  getEnvRaw("KAFKA_COMPRESSION_TYPE", "snappy"),
			Acks:             getEnvRaw("KAFKA_ACKS", "1"),
			LingerMS:         getEnvIntRaw("KAFKA_LINGER_MS", 10),
		},
	}
}

func getEnv(key, defaultValue string) string {
	return getEnvRaw(EnvPrefix+key, defaultValue)
}

func getEnvRaw(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return getEnvIntRaw(EnvPrefix+key, defaultValue)
}

func getEnvIntRaw(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
