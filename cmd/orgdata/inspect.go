package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/etl"
	"github.com/ruslano69/orgdata/pkg/mapping"
	"github.com/ruslano69/orgdata/pkg/remote"
)

func parseMapping(config *etl.RunConfig) (*mapping.Mapping, error) {
	return mapping.ParseFile(config.Run.Mapping, mapping.ParseOptions{UnsafeFilters: config.Run.UnsafeFilters, Logger: log.Logger})
}

// ========== validate ==========

func newValidateCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	f := &runFlags{}
	var extract bool
	cmd := &cobra.Command{
		Use:   "validate [mapping.yml]",
		Short: "check a mapping against the schema of the remote org",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.config(cmd, o, args)
			if err != nil {
				return err
			}
			m, err := parseMapping(config)
			if err != nil {
				return err
			}
			client, err := o.client(config)
			if err != nil {
				return err
			}

			if extract {
				err = etl.PrepareExtract(ctx, client, m, config.PrepareOptions(), log.Logger)
			} else {
				err = etl.ValidateLoad(ctx, client, m, config.PrepareOptions(), log.Logger)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(o.out, "Mapping %s is valid: %d steps\n", config.Run.Mapping, len(m.Steps))
			return printSteps(o.out, m.Steps)
		},
	}
	f.registerSchema(cmd)
	cmd.Flags().BoolVar(&extract, "extract", false, "validate for extract (queryable) instead of load")
	return cmd
}

// ========== order ==========

// orderOptions - трансформации маппинга перед выводом порядка
type orderOptions struct {
	Sort         bool
	Merge        bool
	RenameRT     bool
	Recategorize bool
}

func newOrderCmd(o *rootOptions) *cobra.Command {
	f := &runFlags{}
	oo := &orderOptions{}
	cmd := &cobra.Command{
		Use:   "order [mapping.yml]",
		Short: "print the table dependency order and the resulting step sequence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.config(cmd, o, args)
			if err != nil {
				return err
			}
			m, err := parseMapping(config)
			if err != nil {
				return err
			}
			return printOrder(o.out, m, *oo)
		},
	}
	cmd.Flags().StringVar(&f.Mapping, "mapping", "", "path to the mapping file (overrides run.mapping)")
	cmd.Flags().BoolVar(&oo.Sort, "sort", false, "sort steps by table dependencies")
	cmd.Flags().BoolVar(&oo.Merge, "merge", false, "merge adjacent steps with the same object, filters and action")
	cmd.Flags().BoolVar(&oo.RenameRT, "rename-record-types", false, "rename record type columns to RecordTypeId")
	cmd.Flags().BoolVar(&oo.Recategorize, "recategorize-lookups", false, "move reference fields into lookups")
	return cmd
}

func printOrder(out io.Writer, m *mapping.Mapping, oo orderOptions) error {
	dm := mapping.Dependencies(m)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTABLE\tDEPENDS ON")
	for i, table := range dm.Order() {
		var deps []string
		for _, e := range dm.Dependencies(table) {
			dep := e.To + "." + e.Field
			if e.Priority == 0 {
				dep += " (after)"
			}
			deps = append(deps, dep)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, table, strings.Join(deps, ", "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)

	steps := m.Steps
	if oo.RenameRT {
		steps = mapping.RenameRecordTypeFields(steps)
	}
	if oo.Recategorize {
		steps = mapping.RecategorizeLookups(steps, dm)
	}
	if oo.Sort {
		steps = mapping.SortSteps(steps, dm)
	}
	if oo.Merge {
		steps = mapping.MergeMatchingSteps(steps)
	}
	return printSteps(out, steps)
}

func printSteps(out io.Writer, steps []*mapping.Step) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTEP\tOBJECT\tTABLE\tACTION\tAPI\tFIELDS\tLOOKUPS")
	for i, s := range steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", i+1, s.Name, s.SFObject, s.Table, s.Action, s.API,
			strings.Join(s.Fields.Keys(), ","), strings.Join(s.Lookups.Keys(), ","))
	}
	return w.Flush()
}

// ========== counts ==========

func newCountsCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	f := &runFlags{}
	var (
		workers  int
		estimate bool
	)
	cmd := &cobra.Command{
		Use:   "counts [mapping.yml]",
		Short: "count remote records matched by each step of a mapping",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.config(cmd, o, args)
			if err != nil {
				return err
			}
			m, err := parseMapping(config)
			if err != nil {
				return err
			}
			client, err := o.client(config)
			if err != nil {
				return err
			}

			counts, err := countRecords(ctx, client, m, workers, estimate)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(o.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tOBJECT\tRECORDS")
			for _, s := range m.Steps {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Name, s.SFObject, counts[s.Name])
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&f.Mapping, "mapping", "", "path to the mapping file (overrides run.mapping)")
	cmd.Flags().StringVar(&f.InstanceURL, "instance-url", "", "instance URL of the remote org")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of concurrent queries")
	cmd.Flags().BoolVar(&estimate, "estimate", false, "use the record count estimate instead of querying (ignores soql_filter)")
	return cmd
}

// countRecords - количество записей каждого шага. Точный подсчет выполняет
// запросы параллельно, оценка берет статистику объекта.
func countRecords(ctx context.Context, client remote.Client, m *mapping.Mapping, workers int, estimate bool) (map[string]int, error) {
	counts := make(map[string]int, len(m.Steps))
	if estimate {
		for _, s := range m.Steps {
			n, err := client.EstimateRecordCount(ctx, s.SFObject)
			if err != nil {
				return nil, fmt.Errorf("failed to estimate %s: %w", s.SFObject, err)
			}
			counts[s.Name] = n
		}
		return counts, nil
	}

	queries := make(map[string]string, len(m.Steps))
	for _, s := range m.Steps {
		soql := "SELECT Id FROM " + s.SFObject
		if s.SOQLFilter != "" {
			soql += " WHERE " + s.SOQLFilter
		}
		queries[s.Name] = soql
	}
	results, err := remote.RunQueries(ctx, client, queries, workers)
	if err != nil {
		return nil, err
	}
	for name, recs := range results {
		counts[name] = len(recs)
	}
	return counts, nil
}

// ========== entities ==========

func newEntitiesCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	f := &runFlags{}
	var profile string
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "list objects the given profile has object permissions on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.baseConfig(cmd, o)
			if err != nil {
				return err
			}
			client, err := o.client(config)
			if err != nil {
				return err
			}
			entities, err := dataop.PermissionableEntities(ctx, client, profile, config.Operations, log.Logger)
			if err != nil {
				return err
			}
			for _, e := range entities {
				fmt.Fprintln(o.out, e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.InstanceURL, "instance-url", "", "instance URL of the remote org")
	cmd.Flags().StringVar(&profile, "profile", "", "profile name")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

// ========== init-config ==========

func newInitConfigCmd(o *rootOptions) *cobra.Command {
	var (
		driver string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "write a sample run configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}
			config, err := etl.SampleConfig(driver)
			if err != nil {
				return err
			}
			if err := etl.SaveConfig(output, config); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "Created sample %s config: %s\n", config.Store.Driver, output)
			fmt.Fprintln(o.out, "Set ORGDATA_ACCESS_TOKEN, edit the file and run:")
			fmt.Fprintf(o.out, "  orgdata load --config %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "sqlite", `record store driver ("sqlite", "postgres", "mysql", "mssql")`)
	cmd.Flags().StringVarP(&output, "output", "o", "orgdata.yaml", "path of the config file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
