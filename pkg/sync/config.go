package sync

import (
	"encoding/hex"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// DefaultStateFile - файл контрольных точек по умолчанию
const DefaultStateFile = "./orgdata_checkpoint.json"

// Config содержит конфигурацию контрольных точек запуска
type Config struct {
	// Enabled - сохранять выполненные шаги и продолжать после сбоя
	Enabled bool `yaml:"enabled"`

	// File - путь к файлу состояния.
	// Если не указан, используется "./orgdata_checkpoint.json"
	File string `yaml:"file"`
}

// SetDefaults устанавливает значения по умолчанию
func (c *Config) SetDefaults() {
	if c.Enabled && c.File == "" {
		c.File = DefaultStateFile
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.File == "" {
		return fmt.Errorf("file is required when checkpoint is enabled")
	}
	return nil
}

// Fingerprint - xxh3 хеш содержимого маппинга (hex).
// Контрольная точка применима только к маппингу с тем же хешем.
func Fingerprint(data []byte) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], xxh3.Hash(data))
	return hex.EncodeToString(b[:])
}
