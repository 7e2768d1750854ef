package etl

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/remote"
	"github.com/ruslano69/orgdata/pkg/store"
)

// queryAll выполняет запрос выбранной стратегией и собирает строки в память.
// Ошибка уровня job возвращается как *dataop.JobError.
func queryAll(ctx context.Context, client remote.Client, spec dataop.QuerySpec, api dataop.API, cfg dataop.Config, log zerolog.Logger) ([][]string, error) {
	op, _, err := dataop.NewQuery(ctx, client, spec, api, -1, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := op.Query(ctx); err != nil {
		return nil, err
	}
	if res := op.JobResult(); res.Status == dataop.StatusJobFailure {
		return nil, &dataop.JobError{SObject: spec.SObject, Operation: dataop.OpQuery, Result: res}
	}

	var rows [][]string
	for row, err := range op.Results(ctx) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func soqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

// ========== Типы записей ==========

// recordTypeID ищет Id типа записи целевой организации по developer name
func recordTypeID(ctx context.Context, client remote.Client, sobject, developerName string, cfg dataop.Config, log zerolog.Logger) (string, error) {
	spec := dataop.QuerySpec{
		SObject: "RecordType",
		SOQL: fmt.Sprintf("SELECT Id FROM RecordType WHERE SObjectType = %s AND DeveloperName = %s LIMIT 1",
			soqlString(sobject), soqlString(developerName)),
		Fields: []string{"Id"},
	}
	rows, err := dataop.QueryWithFallback(ctx, client, spec, cfg, log)
	if err != nil {
		return "", fmt.Errorf("failed to query record type %s of %s: %w", developerName, sobject, err)
	}
	if len(rows) == 0 || rows[0][0] == "" {
		return "", fmt.Errorf("record type %s not found for %s", developerName, sobject)
	}
	return rows[0][0], nil
}

// storeRecordTypes пересоздает таблицу (record_type_id, developer_name)
// с типами записей sobject удаленной организации
func storeRecordTypes(ctx context.Context, client remote.Client, st store.RecordStore, sobject, table string, cfg dataop.Config, log zerolog.Logger) (int, error) {
	spec := dataop.QuerySpec{
		SObject: "RecordType",
		SOQL:    "SELECT Id, DeveloperName FROM RecordType WHERE SObjectType = " + soqlString(sobject),
		Fields:  []string{"Id", "DeveloperName"},
	}
	rows, err := dataop.QueryWithFallback(ctx, client, spec, cfg, log)
	if err != nil {
		return 0, fmt.Errorf("failed to query record types of %s: %w", sobject, err)
	}

	if err := st.DropTable(ctx, table); err != nil {
		return 0, err
	}
	err = st.CreateTable(ctx, table, []store.Column{{Name: "record_type_id", PrimaryKey: true}, {Name: "developer_name"}})
	if err != nil {
		return 0, err
	}
	return st.BulkInsert(ctx, table, []string{"record_type_id", "developer_name"}, sliceRows(rows))
}

// sliceRows адаптирует срез строк к потоку для BulkInsert
func sliceRows(rows [][]string) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// fieldTypes - тип поля из describe по имени в нижнем регистре
type fieldTypes map[string]string

func describeTypes(ctx context.Context, client remote.Describer, sobject string) (fieldTypes, error) {
	fields, err := client.DescribeEntity(ctx, sobject)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", sobject, err)
	}
	out := make(fieldTypes, len(fields))
	for _, f := range fields {
		out[strings.ToLower(f.Name)] = f.Type
	}
	return out, nil
}
