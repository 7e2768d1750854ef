package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/denisenkom/go-mssqldb" // MS SQL Server driver
	_ "github.com/go-sql-driver/mysql"   // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"   // PostgreSQL driver (database/sql)
	_ "modernc.org/sqlite"               // SQLite driver
)

// Dialect - различия СУБД, нужные хранилищу
type Dialect struct {
	Name   string
	Driver string // имя драйвера database/sql

	// Quote экранирует идентификатор
	Quote func(ident string) string
	// Placeholder - параметр запроса с номером n (с 1)
	Placeholder func(n int) string
	// TextType - тип текстовой колонки; ключевые колонки требуют ограниченной длины
	TextType func(key bool) string
	// ColumnsQuery возвращает (имя колонки, признак PK) в порядке объявления; параметр - имя таблицы
	ColumnsQuery string
	TablesQuery  string
	// CastType - тип для CAST к тексту, если отличается от TextType(true)
	CastType string
	// SingleConn - база живет в одном соединении (SQLite :memory:)
	SingleConn bool
}

// Cast приводит выражение к тексту
func (d Dialect) Cast(expr string) string {
	typ := d.CastType
	if typ == "" {
		typ = d.TextType(true)
	}
	return fmt.Sprintf("CAST(%s AS %s)", expr, typ)
}

func quoteWith(open, close string) func(string) string {
	return func(ident string) string {
		return open + strings.ReplaceAll(ident, close, close+close) + close
	}
}

func questionMark(int) string { return "?" }

var (
	dialectsMu sync.RWMutex
	dialects   = map[string]Dialect{}
)

// Register регистрирует диалект в глобальном реестре
func Register(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[d.Name] = d
}

// Lookup возвращает диалект по имени
func Lookup(name string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	d, ok := dialects[name]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown database driver: %s (available drivers: %v)", name, registered())
	}
	return d, nil
}

func registered() []string {
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Dialect{
		Name:        "sqlite",
		Driver:      "sqlite",
		Quote:       quoteWith(`"`, `"`),
		Placeholder: questionMark,
		TextType:    func(bool) string { return "TEXT" },
		ColumnsQuery: `SELECT name, CASE WHEN pk > 0 THEN 1 ELSE 0 END
			FROM pragma_table_info(?) ORDER BY cid`,
		TablesQuery: `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		SingleConn: true,
	})

	Register(Dialect{
		Name:        "postgres",
		Driver:      "pgx",
		Quote:       quoteWith(`"`, `"`),
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		TextType:    func(bool) string { return "TEXT" },
		ColumnsQuery: `SELECT c.column_name, CASE WHEN k.column_name IS NULL THEN 0 ELSE 1 END
			FROM information_schema.columns c
			LEFT JOIN (
				SELECT ku.column_name
				FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage ku
				  ON tc.constraint_name = ku.constraint_name AND tc.table_schema = ku.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = $1 AND tc.table_schema = current_schema()
			) k ON k.column_name = c.column_name
			WHERE c.table_name = $1 AND c.table_schema = current_schema()
			ORDER BY c.ordinal_position`,
		TablesQuery: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`,
	})

	Register(Dialect{
		Name:        "mysql",
		Driver:      "mysql",
		Quote:       quoteWith("`", "`"),
		Placeholder: questionMark,
		TextType: func(key bool) string {
			if key {
				return "VARCHAR(255)"
			}
			return "TEXT"
		},
		CastType: "CHAR(255)",
		ColumnsQuery: `SELECT COLUMN_NAME, CASE WHEN COLUMN_KEY = 'PRI' THEN 1 ELSE 0 END
			FROM information_schema.COLUMNS
			WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
			ORDER BY ORDINAL_POSITION`,
		TablesQuery: `SELECT TABLE_NAME FROM information_schema.TABLES
			WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`,
	})

	Register(Dialect{
		Name:        "mssql",
		Driver:      "sqlserver",
		Quote:       quoteWith("[", "]"),
		Placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		TextType: func(key bool) string {
			if key {
				return "NVARCHAR(255)"
			}
			return "NVARCHAR(MAX)"
		},
		ColumnsQuery: `SELECT c.COLUMN_NAME, CASE WHEN k.COLUMN_NAME IS NULL THEN 0 ELSE 1 END
			FROM INFORMATION_SCHEMA.COLUMNS c
			LEFT JOIN (
				SELECT ku.COLUMN_NAME
				FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
				JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME
				WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_NAME = @p1
			) k ON k.COLUMN_NAME = c.COLUMN_NAME
			WHERE c.TABLE_NAME = @p1
			ORDER BY c.ORDINAL_POSITION`,
		TablesQuery: `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`,
	})
}
