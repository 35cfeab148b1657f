package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const Name = "apfed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type SignatureConf struct {
	WindowSeconds int      `yaml:"windowSeconds"`
	Algorithms    []string `yaml:"algorithms"`
	Headers       []string `yaml:"headers"`
}

type KeyCacheConf struct {
	TtlSeconds int `yaml:"ttlSeconds"`
}

type DeliveryConf struct {
	MaxAttempts        int            `yaml:"maxAttempts"`
	BackoffBaseSeconds int            `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds  int            `yaml:"backoffMaxSeconds"`
	TimeoutSeconds     int            `yaml:"timeoutSeconds"`
	LeaseSeconds       int            `yaml:"leaseSeconds"`
	Workers            map[string]int `yaml:"workers"`
}

type SchedulerConf struct {
	SettleMillis         int `yaml:"settleMillis"`
	LeaseTTLSeconds      int `yaml:"leaseTTLSeconds"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
	FollowRetentionHours int `yaml:"followRetentionHours"`
	JobRetentionHours    int `yaml:"jobRetentionHours"`
}

type SharedStoreConf struct {
	Backend  string `yaml:"backend"`
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Insecure bool   `yaml:"insecure"`
	Prefix   string `yaml:"prefix"`
}

type AppConfig struct {
	Conf struct {
		Host             string
		HttpPort         int             `yaml:"httpPort"`
		SslDomain        string          `yaml:"sslDomain"`
		DbPath           string          `yaml:"dbPath"`
		WorkerPollMillis int             `yaml:"workerPollMillis"`
		ManualApproval   bool            `yaml:"manualApproval"`
		AdminToken       string          `yaml:"adminToken"`
		BlockedDomains   []string        `yaml:"blockedDomains"`
		Signature        SignatureConf   `yaml:"signature"`
		KeyCache         KeyCacheConf    `yaml:"keyCache"`
		Delivery         DeliveryConf    `yaml:"delivery"`
		Scheduler        SchedulerConf   `yaml:"scheduler"`
		SharedStore      SharedStoreConf `yaml:"sharedStore"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	c.applyDefaults()
	return c, nil
}

// ParseConf parses a YAML document, applies env overrides and defaults
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	applyEnv(c)
	c.applyDefaults()
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("APFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	envInt("APFED_HTTPPORT", &c.Conf.HttpPort)
	if v := os.Getenv("APFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("APFED_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("APFED_ADMIN_TOKEN"); v != "" {
		c.Conf.AdminToken = v
	}
	if os.Getenv("APFED_MANUAL_APPROVAL") == "true" {
		c.Conf.ManualApproval = true
	}
	if v := os.Getenv("APFED_BLOCKED_DOMAINS"); v != "" {
		c.Conf.BlockedDomains = splitList(v)
	}
	envInt("APFED_SIGNATURE_WINDOW", &c.Conf.Signature.WindowSeconds)
	envInt("APFED_DELIVERY_MAX_ATTEMPTS", &c.Conf.Delivery.MaxAttempts)
	envInt("APFED_DELIVERY_BACKOFF_BASE", &c.Conf.Delivery.BackoffBaseSeconds)
	envInt("APFED_DELIVERY_TIMEOUT", &c.Conf.Delivery.TimeoutSeconds)
	envInt("APFED_SCHEDULER_SETTLE_MILLIS", &c.Conf.Scheduler.SettleMillis)
	if v := os.Getenv("APFED_SHARED_STORE"); v != "" {
		c.Conf.SharedStore.Backend = v
	}
	if v := os.Getenv("APFED_S3_ENDPOINT"); v != "" {
		c.Conf.SharedStore.Endpoint = v
	}
	if v := os.Getenv("APFED_S3_BUCKET"); v != "" {
		c.Conf.SharedStore.Bucket = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Ignoring %s: %v", name, err)
		return
	}
	*dst = n
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *AppConfig) applyDefaults() {
	conf := &c.Conf
	if conf.Host == "" {
		conf.Host = "127.0.0.1"
	}
	if conf.HttpPort == 0 {
		conf.HttpPort = 9999
	}
	if conf.SslDomain == "" {
		conf.SslDomain = "example.com"
	}
	if conf.DbPath == "" {
		conf.DbPath = "apfed.db"
	}
	if conf.WorkerPollMillis <= 0 {
		conf.WorkerPollMillis = 500
	}
	if conf.Signature.WindowSeconds <= 0 {
		conf.Signature.WindowSeconds = 300
	}
	if len(conf.Signature.Algorithms) == 0 {
		conf.Signature.Algorithms = []string{"rsa-sha256"}
	}
	if len(conf.Signature.Headers) == 0 {
		conf.Signature.Headers = []string{"(request-target)", "host", "date"}
	}
	if conf.KeyCache.TtlSeconds <= 0 {
		conf.KeyCache.TtlSeconds = 300
	}
	if conf.Delivery.MaxAttempts <= 0 {
		conf.Delivery.MaxAttempts = 5
	}
	if conf.Delivery.BackoffBaseSeconds <= 0 {
		conf.Delivery.BackoffBaseSeconds = 30
	}
	if conf.Delivery.BackoffMaxSeconds <= 0 {
		conf.Delivery.BackoffMaxSeconds = 6 * 60 * 60
	}
	if conf.Delivery.TimeoutSeconds <= 0 {
		conf.Delivery.TimeoutSeconds = 30
	}
	if conf.Delivery.LeaseSeconds <= 0 {
		conf.Delivery.LeaseSeconds = 2 * conf.Delivery.TimeoutSeconds
	}
	if conf.Scheduler.SettleMillis <= 0 {
		conf.Scheduler.SettleMillis = 2000
	}
	if conf.Scheduler.LeaseTTLSeconds <= 0 {
		conf.Scheduler.LeaseTTLSeconds = 60
	}
	if conf.Scheduler.SweepIntervalSeconds <= 0 {
		conf.Scheduler.SweepIntervalSeconds = 600
	}
	if conf.Scheduler.FollowRetentionHours <= 0 {
		conf.Scheduler.FollowRetentionHours = 24 * 7
	}
	if conf.Scheduler.JobRetentionHours <= 0 {
		conf.Scheduler.JobRetentionHours = 24 * 3
	}
	if conf.SharedStore.Backend == "" {
		conf.SharedStore.Backend = "sqlite"
	}
}

// Seconds converts a config value in seconds to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a config value in milliseconds to a duration
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
