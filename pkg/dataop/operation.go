package dataop

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/remote"
)

// QuerySpec - параметры запроса
type QuerySpec struct {
	SObject string
	SOQL    string
	Fields  []string // порядок колонок в строках результата
}

// DMLSpec - параметры DML операции.
// Operation на этом уровне - одна из insert/update/upsert/delete/hardDelete.
type DMLSpec struct {
	SObject         string
	Operation       OperationType
	Fields          []string
	ExternalIDField string
	BulkMode        BulkMode
	BatchSize       int // 0 = по умолчанию для стратегии
}

// QueryOperation - один запрос. Не переиспользуется.
type QueryOperation interface {
	Query(ctx context.Context) error
	JobResult() JobResult
	Results(ctx context.Context) iter.Seq2[[]string, error]
}

// DMLOperation - одна DML операция: Start -> Load -> End -> Results. Не переиспользуется.
type DMLOperation interface {
	Start(ctx context.Context) error
	Load(ctx context.Context, rows iter.Seq2[[]string, error]) error
	End(ctx context.Context) error
	JobResult() JobResult
	Results(ctx context.Context) iter.Seq2[Result, error]
}

type (
	queryFactory func(client remote.Client, spec QuerySpec, cfg Config, log zerolog.Logger) QueryOperation
	dmlFactory   func(client remote.Client, spec DMLSpec, cfg Config, log zerolog.Logger) DMLOperation
)

// Таблица диспетчеризации: стратегия x вид операции -> реализация
var (
	queryOperations = map[API]queryFactory{
		APIBulk: newBulkQuery,
		APIREST: newRESTQuery,
	}

	dmlOperations = map[API]map[OperationType]dmlFactory{
		APIBulk: {
			OpInsert:     newBulkDML,
			OpUpdate:     newBulkDML,
			OpUpsert:     newBulkDML,
			OpDelete:     newBulkDML,
			OpHardDelete: newBulkDML,
		},
		APIREST: {
			OpInsert: newRESTDML,
			OpUpdate: newRESTDML,
			OpUpsert: newRESTDML,
			OpDelete: newRESTDML,
		},
	}
)

// NewQuery выбирает стратегию и создает операцию запроса.
// volume < 0 - оценить объем по удаленному счетчику.
func NewQuery(ctx context.Context, client remote.Client, spec QuerySpec, api API, volume int, cfg Config, log zerolog.Logger) (QueryOperation, API, error) {
	resolved, err := SelectAPI(ctx, client, spec.SObject, OpQuery, api, volume, cfg)
	if err != nil {
		return nil, "", err
	}
	factory, ok := queryOperations[resolved]
	if !ok {
		return nil, "", fmt.Errorf("%w: query via %s", ErrUnsupported, resolved)
	}
	return factory(client, spec, cfg, log.With().Str("sobject", spec.SObject).Str("api", string(resolved)).Logger()), resolved, nil
}

// NewDML выбирает стратегию и создает DML операцию
func NewDML(ctx context.Context, client remote.Client, spec DMLSpec, api API, volume int, cfg Config, log zerolog.Logger) (DMLOperation, API, error) {
	resolved, err := SelectAPI(ctx, client, spec.SObject, spec.Operation, api, volume, cfg)
	if err != nil {
		return nil, "", err
	}
	factory, ok := dmlOperations[resolved][spec.Operation]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s via %s", ErrUnsupported, spec.Operation, resolved)
	}
	if spec.Operation == OpUpsert && spec.ExternalIDField == "" {
		return nil, "", fmt.Errorf("upsert of %s requires an external id field", spec.SObject)
	}
	return factory(client, spec, cfg, log.With().Str("sobject", spec.SObject).Str("api", string(resolved)).Logger()), resolved, nil
}

// Drain отдает результаты DML в fn и возвращает первую ошибку итерации
func Drain(ctx context.Context, op DMLOperation, fn func(i int, r Result) error) error {
	i := 0
	for r, err := range op.Results(ctx) {
		if err != nil {
			return err
		}
		if err := fn(i, r); err != nil {
			return err
		}
		i++
	}
	return nil
}
