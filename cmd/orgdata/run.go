package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/etl"
	"github.com/ruslano69/orgdata/pkg/metrics"
	"github.com/ruslano69/orgdata/pkg/resultlog"
	"github.com/ruslano69/orgdata/pkg/xlsx"
)

func newLoadCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "load [mapping.yml]",
		Short: "load records from the record store into the remote org",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.config(cmd, o, args)
			if err != nil {
				return err
			}
			return o.run(ctx, config, etl.KindLoad)
		},
	}
	f.registerRun(cmd)
	f.registerLoad(cmd)
	return cmd
}

func newExtractCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "extract [mapping.yml]",
		Short: "extract records from the remote org into the record store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.config(cmd, o, args)
			if err != nil {
				return err
			}
			return o.run(ctx, config, etl.KindExtract)
		},
	}
	f.registerRun(cmd)
	return cmd
}

func newDeleteCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	f := &runFlags{}
	var (
		objects    []string
		where      string
		hardDelete bool
		api        string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "delete records of the given objects from the remote org",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.baseConfig(cmd, o)
			if err != nil {
				return err
			}
			resolved, err := dataop.ParseAPI(api)
			if err != nil {
				return err
			}
			opts := etl.DeleteOptions{
				Objects:          objects,
				Where:            where,
				HardDelete:       hardDelete,
				IgnoreRowErrors:  config.Run.IgnoreRowErrors,
				RowWarningLimit:  config.Run.RowWarningLimit,
				API:              resolved,
				Namespace:        config.Run.Namespace,
				InjectNamespaces: config.Run.InjectNamespaces,
				UnsafeFilters:    config.Run.UnsafeFilters,
				Operations:       config.Operations,
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			client, err := o.client(config)
			if err != nil {
				return err
			}

			report, err := etl.Delete(ctx, client, opts, log.Logger)
			if werr := printReport(o.out, report); werr != nil {
				log.Warn().Err(werr).Msg("Failed to print report")
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&objects, "objects", nil, "objects to delete records from (comma separated)")
	flags.StringVar(&where, "where", "", "SOQL condition selecting records to delete; only with a single object")
	flags.BoolVar(&hardDelete, "hard-delete", false, "delete permanently, bypassing the recycle bin (Bulk API only)")
	flags.StringVar(&api, "api", string(dataop.APISmart), `API to use ("smart", "bulk", "rest")`)
	flags.BoolVar(&f.IgnoreRowErrors, "ignore-row-errors", false, "log row errors instead of failing")
	flags.StringVar(&f.InstanceURL, "instance-url", "", "instance URL of the remote org")
	flags.StringVar(&f.APIVersion, "api-version", "", "remote API version, e.g. 62.0")
	flags.StringVar(&f.Namespace, "namespace", "", "managed package namespace")
	flags.BoolVar(&f.InjectNamespaces, "inject-namespaces", false, "add the namespace prefix to objects missing in the org")
	flags.BoolVar(&f.UnsafeFilters, "unsafe-filters", false, "skip the safety check of the where condition")
	_ = cmd.MarkFlagRequired("objects")
	return cmd
}

// run выполняет загрузку или выгрузку и печатает итоговый отчет
func (o *rootOptions) run(ctx context.Context, config *etl.RunConfig, kind etl.RunKind) error {
	client, err := o.client(config)
	if err != nil {
		return err
	}

	opts, closeSinks, err := reportSinks(config)
	if err != nil {
		return err
	}
	defer closeSinks()

	p := etl.NewProcessor(config, client, log.Logger, opts...)
	if kind == etl.KindExtract {
		err = p.Extract(ctx)
	} else {
		err = p.Load(ctx)
	}

	stats := p.GetStats()
	for _, e := range stats.Errors {
		log.Warn().Err(e).Str("run_id", stats.RunID).Msg("Run completed with errors")
	}
	if report := p.Report(); report != nil {
		if werr := printReport(o.out, report); werr != nil {
			log.Warn().Err(werr).Msg("Failed to print report")
		}
	}
	return err
}

// reportSinks подключает получателей отчета из конфигурации: result log, Excel, метрики
func reportSinks(config *etl.RunConfig) ([]etl.Option, func(), error) {
	var (
		opts    []etl.Option
		closers []io.Closer
	)

	switch config.ResultLog.Type {
	case "redis":
		pub := resultlog.NewRedisPublisher(config.ResultLog)
		opts = append(opts, etl.WithReportSink(pub))
		closers = append(closers, pub)
	case "kafka", "rabbitmq":
		pub, err := resultlog.NewBrokerPublisher(config.ResultLog)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create result log publisher: %w", err)
		}
		opts = append(opts, etl.WithReportSink(pub))
		closers = append(closers, pub)
	}
	if config.Report.XLSX != "" {
		opts = append(opts, etl.WithReportSink(xlsx.NewReportWriter(config.Report.XLSX, config.Report.Sheet)))
	}
	if config.Metrics.Textfile != "" {
		m := metrics.New(config.Metrics.Textfile)
		opts = append(opts, etl.WithObserver(m), etl.WithReportSink(m))
	}

	return opts, func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close report sink")
			}
		}
	}, nil
}

func printReport(out io.Writer, report *etl.Report) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tOBJECT\tSTATUS\tRECORDS\tROW ERRORS")
	for name, sr := range report.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", name, sr.SObject, sr.Status, sr.RecordsProcessed, sr.TotalRowErrors)
	}
	processed, rowErrors := report.Totals()
	fmt.Fprintf(w, "TOTAL\t\t\t%d\t%d\n", processed, rowErrors)
	return w.Flush()
}
