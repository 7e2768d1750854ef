package dataop

import (
	"fmt"
	"time"
)

const (
	// DefaultSmartThreshold - объем, начиная с которого smart выбирает bulk
	DefaultSmartThreshold = 2000

	// DefaultBulkBatchSize - записей в одном bulk batch
	DefaultBulkBatchSize = 10000

	// DefaultRESTBatchSize - записей в одном synchronous запросе
	DefaultRESTBatchSize = 200

	// DefaultMaxBatchBytes - лимит размера batch с запасом ниже 10 MB транспорта
	DefaultMaxBatchBytes = 10_000_000 - 1024

	// MinBulkAPIVersion - более старые версии API всегда используют bulk
	MinBulkAPIVersion = 40.0
)

// Config - параметры слоя операций
type Config struct {
	SmartThreshold int           `yaml:"smart_threshold"`
	BulkBatchSize  int           `yaml:"bulk_batch_size"`
	RESTBatchSize  int           `yaml:"rest_batch_size"`
	MaxBatchBytes  int           `yaml:"max_batch_bytes"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// SpoolDir - каталог временных файлов результатов ("" = os.TempDir)
	SpoolDir string `yaml:"spool_dir"`

	// CompressSpool - сжимать временные файлы zstd
	CompressSpool bool `yaml:"compress_spool"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SmartThreshold: DefaultSmartThreshold,
		BulkBatchSize:  DefaultBulkBatchSize,
		RESTBatchSize:  DefaultRESTBatchSize,
		MaxBatchBytes:  DefaultMaxBatchBytes,
		PollInterval:   10 * time.Second,
	}
}

// SetDefaults заполняет незаданные значения
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.SmartThreshold == 0 {
		c.SmartThreshold = d.SmartThreshold
	}
	if c.BulkBatchSize == 0 {
		c.BulkBatchSize = d.BulkBatchSize
	}
	if c.RESTBatchSize == 0 {
		c.RESTBatchSize = d.RESTBatchSize
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = d.MaxBatchBytes
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.SmartThreshold < 0 {
		return fmt.Errorf("smart_threshold must be >= 0")
	}
	if c.BulkBatchSize < 1 || c.BulkBatchSize > DefaultBulkBatchSize {
		return fmt.Errorf("bulk_batch_size must be between 1 and %d", DefaultBulkBatchSize)
	}
	if c.RESTBatchSize < 1 || c.RESTBatchSize > DefaultRESTBatchSize {
		return fmt.Errorf("rest_batch_size must be between 1 and %d", DefaultRESTBatchSize)
	}
	if c.MaxBatchBytes < 1 {
		return fmt.Errorf("max_batch_bytes must be positive")
	}
	return nil
}
