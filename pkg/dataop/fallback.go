package dataop

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/remote"
)

// QueryWithFallback выполняет запрос через REST; при транспортной ошибке
// повторяет его один раз через bulk. Это не общая политика повторов.
func QueryWithFallback(ctx context.Context, client remote.Client, spec QuerySpec, cfg Config, log zerolog.Logger) ([][]string, error) {
	rows, err := collectQuery(ctx, client, spec, APIREST, cfg, log)
	if err == nil || !errors.Is(err, remote.ErrConnection) {
		return rows, err
	}
	log.Warn().Err(err).Str("sobject", spec.SObject).Msg("rest query failed, retrying via bulk")
	return collectQuery(ctx, client, spec, APIBulk, cfg, log)
}

func collectQuery(ctx context.Context, client remote.Client, spec QuerySpec, api API, cfg Config, log zerolog.Logger) ([][]string, error) {
	op, _, err := NewQuery(ctx, client, spec, api, -1, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := op.Query(ctx); err != nil {
		return nil, err
	}
	if res := op.JobResult(); res.Status == StatusJobFailure {
		return nil, &JobError{SObject: spec.SObject, Operation: OpQuery, Result: res}
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

// PermissionableEntities возвращает отсортированный список sObject,
// на которые у профиля есть объектные права
func PermissionableEntities(ctx context.Context, client remote.Client, profile string, cfg Config, log zerolog.Logger) ([]string, error) {
	spec := QuerySpec{
		SObject: "ObjectPermissions",
		SOQL:    fmt.Sprintf("SELECT SobjectType FROM ObjectPermissions WHERE Parent.Profile.Name = '%s'", strings.ReplaceAll(profile, "'", `\'`)),
		Fields:  []string{"SobjectType"},
	}
	rows, err := QueryWithFallback(ctx, client, spec, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve permissionable entities: %w", err)
	}
	var out []string
	for _, row := range rows {
		if row[0] != "" {
			out = append(out, row[0])
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
