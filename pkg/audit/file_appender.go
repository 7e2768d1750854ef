package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileAppender - запись в файл (JSON lines или текст) с ротацией по размеру
type FileAppender struct {
	mu          sync.Mutex
	file        *os.File
	filePath    string
	maxSize     int64 // Максимальный размер файла в байтах
	maxBackups  int   // Количество backup файлов
	currentSize int64
	level       Level
	formatJSON  bool
}

// FileAppenderConfig - конфигурация file appender
type FileAppenderConfig struct {
	FilePath   string
	MaxSize    int64 // В мегабайтах
	MaxBackups int
	Level      Level
	FormatJSON bool
}

// NewFileAppender - создать file appender
func NewFileAppender(config FileAppenderConfig) (*FileAppender, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if config.MaxSize == 0 {
		config.MaxSize = 100
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 5
	}

	return &FileAppender{
		file:        file,
		filePath:    config.FilePath,
		maxSize:     config.MaxSize * 1024 * 1024,
		maxBackups:  config.MaxBackups,
		currentSize: info.Size(),
		level:       config.Level,
		formatJSON:  config.FormatJSON,
	}, nil
}

// Append - записать entry в файл
func (fa *FileAppender) Append(ctx context.Context, entry *Entry) error {
	filtered := entry.FilterByLevel(fa.level)

	var data []byte
	if fa.formatJSON {
		var err error
		data, err = filtered.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		data = append(data, '\n')
	} else {
		data = []byte(filtered.String() + "\n")
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.currentSize > 0 && fa.currentSize+int64(len(data)) > fa.maxSize {
		if err := fa.rotate(); err != nil {
			return fmt.Errorf("failed to rotate file: %w", err)
		}
	}

	n, err := fa.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	fa.currentSize += int64(n)
	return nil
}

// rotate сдвигает backup файлы (.1 -> .2 ...), самый старый удаляется
func (fa *FileAppender) rotate() error {
	if err := fa.file.Close(); err != nil {
		return err
	}

	os.Remove(fmt.Sprintf("%s.%d", fa.filePath, fa.maxBackups))
	for i := fa.maxBackups - 1; i > 0; i-- {
		oldPath := fmt.Sprintf("%s.%d", fa.filePath, i)
		if _, err := os.Stat(oldPath); err == nil {
			os.Rename(oldPath, fmt.Sprintf("%s.%d", fa.filePath, i+1))
		}
	}
	if err := os.Rename(fa.filePath, fa.filePath+".1"); err != nil {
		return err
	}

	file, err := os.OpenFile(fa.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	fa.file = file
	fa.currentSize = 0
	return nil
}

// Close - закрыть файл
func (fa *FileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.file != nil {
		err := fa.file.Close()
		fa.file = nil
		return err
	}
	return nil
}

// Flush - сбросить буфер
func (fa *FileAppender) Flush() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.file != nil {
		return fa.file.Sync()
	}
	return nil
}

// CurrentSize - текущий размер файла
func (fa *FileAppender) CurrentSize() int64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.currentSize
}

// FilePath - путь к файлу
func (fa *FileAppender) FilePath() string {
	return fa.filePath
}
