// Package store - локальное реляционное хранилище записей (staging) поверх database/sql.
//
// Ядро загрузки и выгрузки не пишет SQL само: все запросы строятся здесь
// с учетом диалекта СУБД.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// ErrNoTable - таблица не существует
var ErrNoTable = errors.New("table does not exist")

// Config - параметры подключения
type Config struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql, mssql
	DSN    string `yaml:"dsn"`
	// SQLPath - SQL скрипт: загрузка инициализирует хранилище из него, выгрузка пишет в него дамп
	SQLPath string `yaml:"sql_path"`
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Driver != "" {
		if _, err := Lookup(c.Driver); err != nil {
			return err
		}
	}
	return nil
}

// SetDefaults - по умолчанию SQLite в памяти
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = ":memory:"
	}
}

// Column - колонка создаваемой таблицы
type Column struct {
	Name       string
	PrimaryKey bool
}

// LookupJoin - колонка-ссылка, заменяемая удаленным Id из таблиц соответствия
type LookupJoin struct {
	Column   string
	IDTables []string // кандидаты для полиморфных ссылок, по порядку
}

// RecordTypeJoin - перевод локального типа записи в Id целевой организации по developer name
type RecordTypeJoin struct {
	Column      string
	SourceTable string // record_type_id -> developer_name исходной организации
	TargetTable string // developer_name -> record_type_id целевой организации
}

// RowQuery - выборка строк таблицы. Колонки результата: Columns, затем Lookups,
// затем RecordType. NULL возвращается пустой строкой.
type RowQuery struct {
	Table      string
	Columns    []string
	Lookups    []LookupJoin
	RecordType *RecordTypeJoin
	Filters    []string // SQL условия, объединяются через AND
	OrderBy    string
}

// RecordStore - хранилище, с которым работают оркестраторы
type RecordStore interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	StreamRows(ctx context.Context, q RowQuery) iter.Seq2[[]string, error]
	Count(ctx context.Context, q RowQuery) (int, error)
	BulkInsert(ctx context.Context, table string, columns []string, rows iter.Seq2[[]string, error]) (int, error)

	// IDTable создает (reset - пересоздает) таблицу соответствия <table>_sf_ids
	IDTable(ctx context.Context, table string, reset bool) (string, error)
	// RemapColumn заменяет удаленные Id в колонке на локальные по таблице соответствия
	RemapColumn(ctx context.Context, table, column, idTable string) (int64, error)

	CreateTable(ctx context.Context, table string, columns []Column) error
	DropTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, table string) (bool, error)
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]string, error)
	PrimaryKey(ctx context.Context, table string) (string, error)

	ExecScript(ctx context.Context, r io.Reader) error
	Dump(ctx context.Context, w io.Writer, tables []string) error

	Close() error
}

// IDTableName - имя таблицы соответствия локальных и удаленных Id
func IDTableName(table string) string {
	return table + "_sf_ids"
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// SQLStore - RecordStore поверх database/sql
type SQLStore struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect Dialect
}

var _ RecordStore = (*SQLStore)(nil)

// Open подключается к хранилищу
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	cfg.SetDefaults()
	d, err := Lookup(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.SingleConn {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// Dialect возвращает диалект хранилища
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// DB возвращает *sql.DB для прямого доступа
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLStore) quote(ident string) string { return s.dialect.Quote(ident) }

// Close закрывает соединение; незавершенная транзакция откатывается
func (s *SQLStore) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

// ========== Транзакции ==========

// Begin начинает транзакцию. Повторный вызов внутри транзакции ничего не делает.
func (s *SQLStore) Begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit фиксирует текущую транзакцию, если она есть
func (s *SQLStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback откатывает текущую транзакцию, если она есть
func (s *SQLStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// ========== Чтение ==========

func (s *SQLStore) buildSelect(q RowQuery) string {
	var cols, joins []string
	t := s.quote(q.Table)

	for _, c := range q.Columns {
		cols = append(cols, "t."+s.quote(c))
	}
	for i, l := range q.Lookups {
		var candidates []string
		for j, idt := range l.IDTables {
			alias := fmt.Sprintf("l%d_%d", i, j)
			joins = append(joins, fmt.Sprintf("LEFT JOIN %s %s ON %s.%s = %s",
				s.quote(idt), alias, alias, s.quote("id"), s.dialect.Cast("t."+s.quote(l.Column))))
			candidates = append(candidates, alias+"."+s.quote("sf_id"))
		}
		switch len(candidates) {
		case 0:
			cols = append(cols, "NULL")
		case 1:
			cols = append(cols, candidates[0])
		default:
			cols = append(cols, "COALESCE("+strings.Join(candidates, ", ")+")")
		}
	}
	if rt := q.RecordType; rt != nil {
		joins = append(joins,
			fmt.Sprintf("LEFT JOIN %s rs ON rs.%s = t.%s", s.quote(rt.SourceTable), s.quote("record_type_id"), s.quote(rt.Column)),
			fmt.Sprintf("LEFT JOIN %s rt ON rt.%s = rs.%s", s.quote(rt.TargetTable), s.quote("developer_name"), s.quote("developer_name")))
		cols = append(cols, "rt."+s.quote("record_type_id"))
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s t", strings.Join(cols, ", "), t)
	if len(joins) > 0 {
		sqlText += " " + strings.Join(joins, " ")
	}
	if len(q.Filters) > 0 {
		sqlText += " WHERE (" + strings.Join(q.Filters, ") AND (") + ")"
	}
	if q.OrderBy != "" {
		sqlText += " ORDER BY t." + s.quote(q.OrderBy)
	}
	return sqlText
}

// StreamRows лениво читает строки таблицы
func (s *SQLStore) StreamRows(ctx context.Context, q RowQuery) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		rows, err := s.q().QueryContext(ctx, s.buildSelect(q))
		if err != nil {
			yield(nil, fmt.Errorf("failed to query %s: %w", q.Table, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanStrings(rows)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan %s: %w", q.Table, err))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to read %s: %w", q.Table, err))
		}
	}
}

// Count возвращает количество строк таблицы с учетом Filters
func (s *SQLStore) Count(ctx context.Context, q RowQuery) (int, error) {
	sqlText := "SELECT COUNT(*) FROM " + s.quote(q.Table) + " t"
	if len(q.Filters) > 0 {
		sqlText += " WHERE (" + strings.Join(q.Filters, ") AND (") + ")"
	}
	var n int
	err := s.q().QueryRowContext(ctx, sqlText).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.Table, err)
	}
	return n, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make([]string, len(cols))
	for i, v := range vals {
		out[i] = v.String
	}
	return out, nil
}

// ========== Запись ==========

// BulkInsert вставляет строки; пустая строка пишется как NULL.
// Вне транзакции вставка выполняется в собственной транзакции.
func (s *SQLStore) BulkInsert(ctx context.Context, table string, columns []string, rows iter.Seq2[[]string, error]) (int, error) {
	own := s.tx == nil
	if own {
		if err := s.Begin(ctx); err != nil {
			return 0, err
		}
	}

	n, err := s.insert(ctx, table, columns, rows)
	if err != nil {
		if own {
			_ = s.Rollback()
		}
		return n, err
	}
	if own {
		return n, s.Commit()
	}
	return n, nil
}

func (s *SQLStore) insert(ctx context.Context, table string, columns []string, rows iter.Seq2[[]string, error]) (int, error) {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = s.quote(c)
		marks[i] = s.dialect.Placeholder(i + 1)
	}
	stmt, err := s.q().PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	n := 0
	args := make([]any, len(columns))
	for row, err := range rows {
		if err != nil {
			return n, err
		}
		if len(row) != len(columns) {
			return n, fmt.Errorf("row %d for %s has %d values, expected %d", n+1, table, len(row), len(columns))
		}
		for i, v := range row {
			if v == "" {
				args[i] = nil
			} else {
				args[i] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return n, fmt.Errorf("failed to insert into %s: %w", table, err)
		}
		n++
	}
	return n, nil
}

// IDTable создает таблицу соответствия (id, sf_id)
func (s *SQLStore) IDTable(ctx context.Context, table string, reset bool) (string, error) {
	name := IDTableName(table)
	if reset {
		if err := s.DropTable(ctx, name); err != nil {
			return "", err
		}
	}
	exists, err := s.TableExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		err := s.CreateTable(ctx, name, []Column{{Name: "id", PrimaryKey: true}, {Name: "sf_id"}})
		if err != nil {
			return "", err
		}
	}
	return name, nil
}

// RemapColumn заменяет значения колонки, найденные в idTable.sf_id, на idTable.id
func (s *SQLStore) RemapColumn(ctx context.Context, table, column, idTable string) (int64, error) {
	col, t, idt := s.quote(column), s.quote(table), s.quote(idTable)
	stmt := fmt.Sprintf(
		"UPDATE %s SET %s = (SELECT %s FROM %s m WHERE m.%s = %s.%s) WHERE %s IN (SELECT %s FROM %s)",
		t, col, s.dialect.Cast("m."+s.quote("id")), idt, s.quote("sf_id"), t, col, col, s.quote("sf_id"), idt)
	res, err := s.q().ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("failed to remap %s.%s: %w", table, column, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ========== Схема ==========

// CreateTable создает таблицу с текстовыми колонками
func (s *SQLStore) CreateTable(ctx context.Context, table string, columns []Column) error {
	if len(columns) == 0 {
		return fmt.Errorf("at least one column is required for %s", table)
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = s.quote(c.Name) + " " + s.dialect.TextType(c.PrimaryKey)
		if c.PrimaryKey {
			defs[i] += " NOT NULL PRIMARY KEY"
		}
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", s.quote(table), strings.Join(defs, ", "))
	if _, err := s.q().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// DropTable удаляет таблицу, если она есть
func (s *SQLStore) DropTable(ctx context.Context, table string) error {
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return err
	}
	if _, err := s.q().ExecContext(ctx, "DROP TABLE "+s.quote(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// Tables - таблицы хранилища по алфавиту
func (s *SQLStore) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.q().QueryContext(ctx, s.dialect.TablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// TableExists проверяет существование таблицы
func (s *SQLStore) TableExists(ctx context.Context, table string) (bool, error) {
	cols, err := s.describe(ctx, table)
	if err != nil {
		return false, err
	}
	return len(cols) > 0, nil
}

type columnInfo struct {
	name string
	pk   bool
}

func (s *SQLStore) describe(ctx context.Context, table string) ([]columnInfo, error) {
	rows, err := s.q().QueryContext(ctx, s.dialect.ColumnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	var out []columnInfo
	for rows.Next() {
		var c columnInfo
		var pk int
		if err := rows.Scan(&c.name, &pk); err != nil {
			return nil, err
		}
		c.pk = pk != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// Columns - колонки таблицы в порядке объявления
func (s *SQLStore) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := s.describe(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, table)
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.name
	}
	return out, nil
}

// PrimaryKey - первая колонка первичного ключа таблицы
func (s *SQLStore) PrimaryKey(ctx context.Context, table string) (string, error) {
	cols, err := s.describe(ctx, table)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTable, table)
	}
	for _, c := range cols {
		if c.pk {
			return c.name, nil
		}
	}
	return "", fmt.Errorf("table %s has no primary key", table)
}
