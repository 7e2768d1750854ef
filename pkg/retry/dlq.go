package retry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DLQConfig - файл для строк, отклоненных удаленной стороной
type DLQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	FilePath string `yaml:"file_path"`
	MaxSize  int    `yaml:"max_size"` // 0 = без ограничения; старые записи вытесняются
}

// DLQEntry - одна отклоненная строка
type DLQEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Step      string            `json:"step"`
	SObject   string            `json:"sobject"`
	LocalID   string            `json:"local_id,omitempty"`
	Error     string            `json:"error"`
	Data      map[string]string `json:"data,omitempty"`
}

// DLQ - Dead Letter Queue для строк с ошибками, проигнорированных при загрузке
type DLQ struct {
	mu      sync.Mutex
	config  DLQConfig
	entries []DLQEntry
	dirty   bool
}

// NewDLQ создает DLQ и загружает существующий файл, если он есть
func NewDLQ(config DLQConfig) (*DLQ, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("dlq file_path is required")
	}
	d := &DLQ{config: config}

	data, err := os.ReadFile(config.FilePath)
	switch {
	case err == nil:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &d.entries); err != nil {
				return nil, fmt.Errorf("failed to load DLQ: %w", err)
			}
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read DLQ file: %w", err)
	}
	return d, nil
}

// Add добавляет запись; ID и Timestamp заполняются автоматически
func (d *DLQ) Add(entry DLQEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	d.entries = append(d.entries, entry)
	if d.config.MaxSize > 0 && len(d.entries) > d.config.MaxSize {
		d.entries = d.entries[len(d.entries)-d.config.MaxSize:]
	}
	d.dirty = true
}

// Entries возвращает копию записей
func (d *DLQ) Entries() []DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DLQEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Size возвращает количество записей
func (d *DLQ) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Flush сохраняет записи в файл, если были изменения
func (d *DLQ) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return nil
	}
	data, err := json.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ: %w", err)
	}
	if err := os.WriteFile(d.config.FilePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write DLQ file: %w", err)
	}
	d.dirty = false
	return nil
}
