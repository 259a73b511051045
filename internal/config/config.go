package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Dispatch struct {
	NumWorkers            int           // Number of dispatch workers (each owns a store connection)
	PollInterval          time.Duration // Sleep between poll cycles; also the out-of-window worker sleep
	MaxRetries            int           // Requests with retries above this are expired
	StartSubmissionPeriod int           // Global submission window start hour (0-23, inclusive)
	EndSubmissionPeriod   int           // Global submission window end hour (0-23, inclusive)
	HighWaterMark         int           // Queue depth above which the poller skips its eligibility query
	BatchSize             int           // Max ready requests fetched per poll cycle
	QueueCapacity         int           // Expected per-worker queue depth, sizes the pending set
	DeliveryTimeout       time.Duration // Outbound HTTP timeout per delivery attempt
}

type Config struct {
	AppName  string
	HTTPPort string // :8082, health + metrics
	DB       DB
	Dispatch Dispatch
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "dispatch2"),
		HTTPPort: ":" + getenv("HTTP_PORT", "8082"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "localhost"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "dispatcher2"),
		},
		Dispatch: Dispatch{
			NumWorkers:            getenvInt("NUM_WORKERS", 4),
			PollInterval:          getenvDuration("POLL_INTERVAL", 5*time.Second),
			MaxRetries:            getenvInt("MAX_RETRIES", 5),
			StartSubmissionPeriod: getenvInt("START_SUBMISSION_PERIOD", 0),
			EndSubmissionPeriod:   getenvInt("END_SUBMISSION_PERIOD", 23),
			HighWaterMark:         getenvInt("HIGH_WATER_MARK", 100000),
			BatchSize:             getenvInt("POLL_BATCH_SIZE", 10000),
			QueueCapacity:         getenvInt("QUEUE_CAPACITY", 100000),
			DeliveryTimeout:       getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// InWindow reports whether t falls inside the global submission window.
// Both bounds are inclusive hours of day.
func (d Dispatch) InWindow(t time.Time) bool {
	h := t.Hour()
	return h >= d.StartSubmissionPeriod && h <= d.EndSubmissionPeriod
}
