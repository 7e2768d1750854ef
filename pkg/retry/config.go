package retry

import (
	"fmt"
	"time"
)

// BackoffStrategy определяет стратегию задержки между повторами
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Config - параметры повторов для вызовов удаленного сервиса
type Config struct {
	Enabled      bool            `yaml:"enabled"`
	MaxAttempts  int             `yaml:"max_attempts"` // включая первую попытку
	InitialDelay time.Duration   `yaml:"initial_delay"`
	MaxDelay     time.Duration   `yaml:"max_delay"`
	Backoff      BackoffStrategy `yaml:"backoff"`
	Multiplier   float64         `yaml:"multiplier"`
	Jitter       float64         `yaml:"jitter"` // 0.0 - 1.0

	// IsRetryable решает, повторять ли вызов. nil = повторять любую ошибку.
	IsRetryable func(error) bool `yaml:"-"`

	// OnRetry вызывается перед каждой повторной попыткой
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay (%v) must be >= initial_delay (%v)", c.MaxDelay, c.InitialDelay)
	}
	switch c.Backoff {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("invalid backoff strategy: %s", c.Backoff)
	}
	if c.Jitter < 0 || c.Jitter > 1.0 {
		return fmt.Errorf("jitter must be between 0.0 and 1.0, got %f", c.Jitter)
	}
	return nil
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Backoff == "" {
		c.Backoff = d.Backoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
}

// DefaultConfig возвращает конфигурацию по умолчанию (retry выключен)
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Backoff:      BackoffExponential,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// EnableRetry создает конфигурацию с включенным retry
func EnableRetry(maxAttempts int, initialDelay time.Duration) Config {
	config := DefaultConfig()
	config.Enabled = true
	config.MaxAttempts = maxAttempts
	config.InitialDelay = initialDelay
	return config
}
