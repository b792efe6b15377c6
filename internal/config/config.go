package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Nick      string
	Group     string
	Port      int
	Interface string

	KeepAliveInterval time.Duration
	TimeoutMultiplier int

	DownloadDir      string
	AcceptTimeout    time.Duration
	DialTimeout      time.Duration
	ProgressInterval time.Duration

	Sound    bool
	LogLevel string
	Dev      bool
}

func Default() *Config {
	return &Config{
		Nick:              defaultNick(),
		Group:             "224.168.5.1",
		Port:              40000,
		KeepAliveInterval: 15 * time.Second,
		TimeoutMultiplier: 4,
		DownloadDir:       "downloads",
		AcceptTimeout:     time.Minute,
		DialTimeout:       10 * time.Second,
		ProgressInterval:  500 * time.Millisecond,
		Sound:             true,
		LogLevel:          "info",
	}
}

func defaultNick() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "anonymous"
}

// Load returns the defaults overridden by LANCHAT_* environment variables.
// Unparsable values are ignored.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("LANCHAT_NICK"); v != "" {
		cfg.Nick = v
	}
	if v := os.Getenv("LANCHAT_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := os.Getenv("LANCHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("LANCHAT_INTERFACE"); v != "" {
		cfg.Interface = v
	}
	if v := os.Getenv("LANCHAT_KEEPALIVE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.KeepAliveInterval = d
		}
	}
	if v := os.Getenv("LANCHAT_TIMEOUT_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutMultiplier = n
		}
	}
	if v := os.Getenv("LANCHAT_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("LANCHAT_ACCEPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AcceptTimeout = d
		}
	}
	if v := os.Getenv("LANCHAT_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DialTimeout = d
		}
	}
	if v := os.Getenv("LANCHAT_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProgressInterval = d
		}
	}
	if v := os.Getenv("LANCHAT_SOUND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sound = b
		}
	}
	if v := os.Getenv("LANCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LANCHAT_DEV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dev = b
		}
	}

	return cfg
}

// Timeout is how long a silent peer is kept before it is dropped.
func (c *Config) Timeout() time.Duration {
	return c.KeepAliveInterval * time.Duration(c.TimeoutMultiplier)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Nick == "" {
		errs = append(errs, errors.New("nick must not be empty"))
	}
	if ip := net.ParseIP(c.Group); ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		errs = append(errs, fmt.Errorf("group %q is not an IPv4 multicast address", c.Group))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("keep-alive interval must be positive"))
	}
	if c.TimeoutMultiplier < 2 {
		errs = append(errs, fmt.Errorf("timeout multiplier %d must be at least 2", c.TimeoutMultiplier))
	}
	if c.AcceptTimeout <= 0 || c.DialTimeout <= 0 {
		errs = append(errs, errors.New("transfer timeouts must be positive"))
	}
	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download directory must not be empty"))
	}
	return errors.Join(errs...)
}
