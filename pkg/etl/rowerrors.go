package etl

import (
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultRowWarningLimit - сколько ошибок строк логируется по отдельности
const DefaultRowWarningLimit = 10

// RowError - удаленная сторона отклонила запись
type RowError struct {
	Step    string
	LocalID string
	Message string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("Error on record with id %s: %s", e.LocalID, e.Message)
}

// RowErrorChecker решает судьбу ошибок строк: ошибка прерывает выполнение,
// либо, если ошибки игнорируются, логируется с ограничением количества.
type RowErrorChecker struct {
	log    zerolog.Logger
	ignore bool
	limit  int
	count  int
}

// NewRowErrorChecker создает checker. limit <= 0 - DefaultRowWarningLimit.
func NewRowErrorChecker(log zerolog.Logger, ignore bool, limit int) *RowErrorChecker {
	if limit <= 0 {
		limit = DefaultRowWarningLimit
	}
	return &RowErrorChecker{log: log, ignore: ignore, limit: limit}
}

// Check возвращает *RowError, если ошибки строк не игнорируются
func (c *RowErrorChecker) Check(step, localID, message string) error {
	rowErr := &RowError{Step: step, LocalID: localID, Message: message}
	if !c.ignore {
		return rowErr
	}
	switch {
	case c.count < c.limit:
		c.log.Warn().Str("step", step).Msg(rowErr.Error())
	case c.count == c.limit:
		c.log.Warn().Msg("Further warnings suppressed")
	}
	c.count++
	return nil
}

// Count - количество проигнорированных ошибок
func (c *RowErrorChecker) Count() int {
	return c.count
}
