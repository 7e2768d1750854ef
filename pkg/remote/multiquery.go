package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunQueries выполняет набор именованных запросов параллельно, не более workers одновременно.
// Первая ошибка отменяет остальные запросы.
func RunQueries(ctx context.Context, client SyncAPI, queries map[string]string, workers int) (map[string][]Record, error) {
	if workers <= 0 {
		workers = 4
	}

	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	results := make(map[string][]Record, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range names {
		soql := queries[name]
		g.Go(func() error {
			cur, err := client.Query(gctx, soql)
			if err != nil {
				return fmt.Errorf("query %q failed: %w", name, err)
			}
			var recs []Record
			for rec, err := range cur.Records(gctx) {
				if err != nil {
					return fmt.Errorf("query %q failed: %w", name, err)
				}
				recs = append(recs, rec)
			}
			mu.Lock()
			results[name] = recs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
