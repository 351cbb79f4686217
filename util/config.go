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

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type FederationConf struct {
	MaxPayloadBytes     int64    `yaml:"maxPayloadBytes"`
	ClockSkewMinutes    int      `yaml:"clockSkewMinutes"`
	MaxAttempts         int      `yaml:"maxAttempts"`
	BackoffBaseSecs     int      `yaml:"backoffBaseSecs"`
	BackoffCapSecs      int      `yaml:"backoffCapSecs"`
	DeliveryWorkers     int      `yaml:"deliveryWorkers"`
	BreakerFailures     int      `yaml:"breakerFailures"`
	BreakerCooldownSecs int      `yaml:"breakerCooldownSecs"`
	ActorCacheHours     int      `yaml:"actorCacheHours"`
	RetentionDays       int      `yaml:"retentionDays"`
	AllowedDomains      []string `yaml:"allowedDomains"`
	BlockedDomains      []string `yaml:"blockedDomains"`
}

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int            `yaml:"httpPort"`
		Domain     string         `yaml:"domain"`
		Federation FederationConf `yaml:"federation"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
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

	applyEnvOverrides(c)
	applyFederationDefaults(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("MAMMUT_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("MAMMUT_HTTPPORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = p
	}
	if v := os.Getenv("MAMMUT_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("MAMMUT_MAX_ATTEMPTS"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.Federation.MaxAttempts = p
	}
	if v := os.Getenv("MAMMUT_DELIVERY_WORKERS"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.Federation.DeliveryWorkers = p
	}
	if v := os.Getenv("MAMMUT_ALLOWED_DOMAINS"); v != "" {
		c.Conf.Federation.AllowedDomains = strings.Split(v, ",")
	}
	if v := os.Getenv("MAMMUT_BLOCKED_DOMAINS"); v != "" {
		c.Conf.Federation.BlockedDomains = strings.Split(v, ",")
	}
}

// applyFederationDefaults fills in values for any tuning parameter the
// config file leaves at zero.
func applyFederationDefaults(c *AppConfig) {
	f := &c.Conf.Federation
	if f.MaxPayloadBytes == 0 {
		f.MaxPayloadBytes = 1 * 1024 * 1024 // 1MB
	}
	if f.ClockSkewMinutes == 0 {
		f.ClockSkewMinutes = 5
	}
	if f.MaxAttempts == 0 {
		f.MaxAttempts = 10
	}
	if f.BackoffBaseSecs == 0 {
		f.BackoffBaseSecs = 60
	}
	if f.BackoffCapSecs == 0 {
		f.BackoffCapSecs = 86400
	}
	if f.DeliveryWorkers == 0 {
		f.DeliveryWorkers = 4
	}
	if f.BreakerFailures == 0 {
		f.BreakerFailures = 5
	}
	if f.BreakerCooldownSecs == 0 {
		f.BreakerCooldownSecs = 300
	}
	if f.ActorCacheHours == 0 {
		f.ActorCacheHours = 24
	}
	if f.RetentionDays == 0 {
		f.RetentionDays = 60
	}
}

// ClockSkew returns the tolerated difference between the Date header of a
// signed request and local time.
func (c *AppConfig) ClockSkew() time.Duration {
	return time.Duration(c.Conf.Federation.ClockSkewMinutes) * time.Minute
}

// DomainAllowed applies the instance allow/deny policy to a remote domain.
// The deny list always wins; a non-empty allow list is exclusive.
func (c *AppConfig) DomainAllowed(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, d := range c.Conf.Federation.BlockedDomains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return false
		}
	}
	if len(c.Conf.Federation.AllowedDomains) == 0 {
		return true
	}
	for _, d := range c.Conf.Federation.AllowedDomains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}
