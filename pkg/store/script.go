package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// SplitStatements разбивает SQL скрипт на операторы по ';' вне строк и комментариев
func SplitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case inQuote:
			cur.WriteByte(c)
			if c == '\'' {
				if i+1 < len(script) && script[i+1] == '\'' {
					cur.WriteByte('\'')
					i++
				} else {
					inQuote = false
				}
			}
		case c == '\'':
			inQuote = true
			cur.WriteByte(c)
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// ExecScript выполняет SQL скрипт в одной транзакции
func (s *SQLStore) ExecScript(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read SQL script: %w", err)
	}

	own := s.tx == nil
	if own {
		if err := s.Begin(ctx); err != nil {
			return err
		}
	}
	for i, stmt := range SplitStatements(string(data)) {
		if _, err := s.q().ExecContext(ctx, stmt); err != nil {
			if own {
				_ = s.Rollback()
			}
			return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}
	if own {
		return s.Commit()
	}
	return nil
}

// Dump пишет таблицы в виде SQL скрипта (CREATE TABLE + INSERT).
// tables == nil - все таблицы хранилища.
func (s *SQLStore) Dump(ctx context.Context, w io.Writer, tables []string) error {
	if tables == nil {
		var err error
		if tables, err = s.Tables(ctx); err != nil {
			return err
		}
	}

	bw := bufio.NewWriter(w)
	for _, table := range tables {
		cols, err := s.describe(ctx, table)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			return fmt.Errorf("%w: %s", ErrNoTable, table)
		}

		defs := make([]string, len(cols))
		names := make([]string, len(cols))
		var orderBy string
		for i, c := range cols {
			names[i] = c.name
			defs[i] = s.quote(c.name) + " " + s.dialect.TextType(c.pk)
			if c.pk {
				defs[i] += " NOT NULL PRIMARY KEY"
				if orderBy == "" {
					orderBy = c.name
				}
			}
		}
		fmt.Fprintf(bw, "CREATE TABLE %s (\n\t%s\n);\n", s.quote(table), strings.Join(defs, ",\n\t"))

		for row, err := range s.StreamRows(ctx, RowQuery{Table: table, Columns: names, OrderBy: orderBy}) {
			if err != nil {
				return err
			}
			vals := make([]string, len(row))
			for i, v := range row {
				vals[i] = sqlLiteral(v)
			}
			fmt.Fprintf(bw, "INSERT INTO %s VALUES(%s);\n", s.quote(table), strings.Join(vals, ", "))
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

func sqlLiteral(v string) string {
	if v == "" {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
