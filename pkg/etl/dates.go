package etl

import (
	"fmt"
	"strings"
	"time"
)

// Форматы datetime в порядке проверки; значение записывается обратно в своем формате
var datetimeLayouts = []string{
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05.000-07:00",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DateShifter сдвигает даты строки на целое число дней
type DateShifter struct {
	days      int
	dates     []int
	datetimes []int
}

// NewDateShifter готовит сдвиг колонок columns. types - тип поля из describe
// (date, datetime) по имени поля; columns[i] - имя поля i-й колонки.
// При загрузке сдвиг = today - anchor, при выгрузке - обратный.
// Возвращает nil, если сдвигать нечего.
func NewDateShifter(anchor, today time.Time, columns []string, types map[string]string, extract bool) *DateShifter {
	days := daysBetween(anchor, today)
	if extract {
		days = -days
	}
	s := &DateShifter{days: days}
	for i, c := range columns {
		switch types[strings.ToLower(c)] {
		case "date":
			s.dates = append(s.dates, i)
		case "datetime":
			s.datetimes = append(s.datetimes, i)
		}
	}
	if s.days == 0 || (len(s.dates) == 0 && len(s.datetimes) == 0) {
		return nil
	}
	return s
}

func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// Shift изменяет строку на месте. Пустые значения пропускаются.
func (s *DateShifter) Shift(row []string) error {
	if s == nil {
		return nil
	}
	for _, i := range s.dates {
		if i >= len(row) || row[i] == "" {
			continue
		}
		d, err := time.Parse(time.DateOnly, row[i])
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", row[i], err)
		}
		row[i] = d.AddDate(0, 0, s.days).Format(time.DateOnly)
	}
	for _, i := range s.datetimes {
		if i >= len(row) || row[i] == "" {
			continue
		}
		shifted, err := shiftDatetime(row[i], s.days)
		if err != nil {
			return err
		}
		row[i] = shifted
	}
	return nil
}

func shiftDatetime(v string, days int) (string, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.AddDate(0, 0, days).Format(layout), nil
		}
	}
	return "", fmt.Errorf("invalid datetime %q", v)
}
