package resilience

import (
	"fmt"
	"time"
)

// Config - конфигурация Circuit Breaker для вызовов удаленного сервиса
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`

	// MaxFailures - количество последовательных сбоев для открытия
	MaxFailures uint32 `yaml:"max_failures"`

	// Timeout - время в Open перед переходом в Half-Open
	Timeout time.Duration `yaml:"timeout"`

	// SuccessThreshold - успешных вызовов в Half-Open для закрытия
	SuccessThreshold uint32 `yaml:"success_threshold"`

	// IsFailure решает, считается ли ошибка сбоем сервиса.
	// nil = любая ошибка. Ошибки валидации обычно не должны открывать circuit.
	IsFailure func(error) bool `yaml:"-"`

	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Validate - валидация конфигурации
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxFailures == 0 {
		return fmt.Errorf("max_failures must be greater than 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "circuit-breaker"
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
}

// DefaultConfig - включенный breaker с настройками по умолчанию
func DefaultConfig(name string) Config {
	c := Config{Enabled: true, Name: name}
	c.SetDefaults()
	return c
}
