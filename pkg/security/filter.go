package security

import (
	"fmt"
	"strings"
	"unicode"
)

// FilterValidator проверяет условия фильтров маппинга (filters, soql_filter).
// Условия подставляются в WHERE запросов как есть, поэтому в safe mode
// допускается только одно логическое выражение без изменяющих команд.
//
// В unsafe mode все условия разрешены.
type FilterValidator struct {
	safeMode bool
}

// NewFilterValidator создает валидатор условий.
//
// Параметры:
//   - safeMode: true - проверять условия, false - пропускать все
func NewFilterValidator(safeMode bool) *FilterValidator {
	return &FilterValidator{
		safeMode: safeMode,
	}
}

// Запрещенные ключевые слова в safe mode
var forbidden = map[string]bool{
	// DML
	"INSERT": true, "UPDATE": true, "DELETE": true, "TRUNCATE": true, "MERGE": true, "UPSERT": true,
	// DDL
	"DROP": true, "CREATE": true, "ALTER": true, "RENAME": true,
	// DCL
	"GRANT": true, "REVOKE": true,
	"EXECUTE": true, "EXEC": true, "CALL": true,
	// SQLite
	"PRAGMA": true, "ATTACH": true, "DETACH": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true,
	// Объединение с другим запросом
	"UNION": true, "INTO": true,
}

// Validate проверяет условие фильтра. Пустое условие допустимо.
//
// В safe mode проверяет:
//   - Кавычки закрыты, скобки сбалансированы
//   - Нет точки с запятой
//   - Нет SQL комментариев
//   - Вне строковых литералов нет запрещенных ключевых слов
func (v *FilterValidator) Validate(filter string) error {
	if !v.safeMode || strings.TrimSpace(filter) == "" {
		return nil
	}

	code, err := stripLiterals(filter)
	if err != nil {
		return err
	}

	if strings.Contains(code, ";") {
		return fmt.Errorf("multiple statements not allowed in filter")
	}
	if strings.Contains(code, "--") {
		return fmt.Errorf("SQL comments (--) not allowed in filter")
	}
	if strings.Contains(code, "/*") || strings.Contains(code, "*/") {
		return fmt.Errorf("SQL comments (/* */) not allowed in filter")
	}
	if err := checkParens(code); err != nil {
		return err
	}

	words := strings.FieldsFunc(strings.ToUpper(code), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		if forbidden[w] {
			return fmt.Errorf("forbidden keyword '%s' found in filter", w)
		}
	}
	return nil
}

// stripLiterals заменяет содержимое строковых литералов пробелами.
// Экранирование: удвоенная кавычка ('') и обратная косая черта (\').
func stripLiterals(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inQuote {
			b.WriteByte(c)
			if c == '\'' {
				inQuote = true
			}
			continue
		}
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			b.WriteString("  ")
		case c == '\'' && i+1 < len(s) && s[i+1] == '\'':
			i++
			b.WriteString("  ")
		case c == '\'':
			inQuote = false
			b.WriteByte(c)
		default:
			b.WriteByte(' ')
		}
	}
	if inQuote {
		return "", fmt.Errorf("unterminated string literal in filter")
	}
	return b.String(), nil
}

func checkParens(s string) error {
	depth := 0
	for _, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced parentheses in filter")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses in filter")
	}
	return nil
}

// IsSafeMode возвращает текущий режим валидатора
func (v *FilterValidator) IsSafeMode() bool {
	return v.safeMode
}
