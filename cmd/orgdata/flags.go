package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ruslano69/orgdata/pkg/etl"
)

// runFlags - флаги, переопределяющие конфигурацию запуска
type runFlags struct {
	Mapping     string
	InstanceURL string
	APIVersion  string
	StoreDriver string
	StoreDSN    string
	SQLPath     string

	StartStep       string
	Resume          bool
	IgnoreRowErrors bool
	NoResetOIDs     bool
	BulkMode        string
	Today           string

	Namespace         string
	InjectNamespaces  bool
	DropMissingSchema bool
	PersonAccounts    bool
	UnsafeFilters     bool

	ReportJSON      string
	ReportXLSX      string
	MetricsTextfile string
}

// registerSchema - флаги подключения и проверки схемы (все команды, работающие с маппингом)
func (f *runFlags) registerSchema(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.Mapping, "mapping", "", "path to the mapping file (overrides run.mapping)")
	flags.StringVar(&f.InstanceURL, "instance-url", "", "instance URL of the remote org")
	flags.StringVar(&f.APIVersion, "api-version", "", "remote API version, e.g. 62.0")
	flags.StringVar(&f.Namespace, "namespace", "", "managed package namespace")
	flags.BoolVar(&f.InjectNamespaces, "inject-namespaces", false, "add the namespace prefix to fields and objects missing in the org")
	flags.BoolVar(&f.DropMissingSchema, "drop-missing-schema", false, "drop fields and steps not available in the org instead of failing")
	flags.BoolVar(&f.PersonAccounts, "person-accounts", false, "org has person accounts enabled")
	flags.BoolVar(&f.UnsafeFilters, "unsafe-filters", false, "skip the safety check of mapping filters")
}

// registerRun - флаги выполнения load и extract
func (f *runFlags) registerRun(cmd *cobra.Command) {
	f.registerSchema(cmd)
	flags := cmd.Flags()
	flags.StringVar(&f.StoreDriver, "store-driver", "", `record store driver ("sqlite", "postgres", "mysql", "mssql")`)
	flags.StringVar(&f.StoreDSN, "store-dsn", "", "record store DSN")
	flags.StringVar(&f.SQLPath, "sql-path", "", "SQL script: load initializes the store from it, extract dumps the store into it")
	flags.StringVar(&f.Today, "today", "", "date used as today for relative dates (YYYY-MM-DD)")
	flags.StringVar(&f.ReportJSON, "report-json", "", "write the final report as JSON")
	flags.StringVar(&f.ReportXLSX, "report-xlsx", "", "write the final report as an Excel workbook")
	flags.StringVar(&f.MetricsTextfile, "metrics-textfile", "", "write step metrics in Prometheus textfile format")
}

// registerLoad - флаги, имеющие смысл только для load
func (f *runFlags) registerLoad(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.StartStep, "start-step", "", "skip steps before this one")
	flags.BoolVar(&f.Resume, "resume", false, "continue after the last completed step of a failed run (requires checkpoint)")
	flags.BoolVar(&f.IgnoreRowErrors, "ignore-row-errors", false, "log row errors instead of failing the step")
	flags.BoolVar(&f.NoResetOIDs, "no-reset-oids", false, "keep existing id tables instead of recreating them")
	flags.StringVar(&f.BulkMode, "bulk-mode", "", `bulk concurrency mode for all steps ("Serial", "Parallel")`)
}

// config читает конфигурацию и применяет явно заданные флаги.
// args[0], если передан, заменяет путь к маппингу.
func (f *runFlags) config(cmd *cobra.Command, o *rootOptions, args []string) (*etl.RunConfig, error) {
	config, err := f.baseConfig(cmd, o)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		config.Run.Mapping = args[0]
	}
	if config.Run.Mapping == "" {
		return nil, fmt.Errorf("mapping file is required (argument, --mapping or run.mapping)")
	}
	return config, nil
}

// baseConfig - конфигурация с флагами, без требования маппинга
func (f *runFlags) baseConfig(cmd *cobra.Command, o *rootOptions) (*etl.RunConfig, error) {
	config, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	f.apply(cmd, config)

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (f *runFlags) apply(cmd *cobra.Command, c *etl.RunConfig) {
	changed := cmd.Flags().Changed

	setString := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool, v bool) {
		if changed(name) {
			*dst = v
		}
	}

	setString("mapping", &c.Run.Mapping, f.Mapping)
	setString("instance-url", &c.Remote.InstanceURL, f.InstanceURL)
	setString("api-version", &c.Remote.APIVersion, f.APIVersion)
	setString("store-driver", &c.Store.Driver, f.StoreDriver)
	setString("store-dsn", &c.Store.DSN, f.StoreDSN)
	setString("sql-path", &c.Store.SQLPath, f.SQLPath)
	setString("start-step", &c.Run.StartStep, f.StartStep)
	setBool("resume", &c.Run.Resume, f.Resume)
	setBool("ignore-row-errors", &c.Run.IgnoreRowErrors, f.IgnoreRowErrors)
	setString("bulk-mode", &c.Run.BulkMode, f.BulkMode)
	setString("today", &c.Run.Today, f.Today)
	setString("namespace", &c.Run.Namespace, f.Namespace)
	setBool("inject-namespaces", &c.Run.InjectNamespaces, f.InjectNamespaces)
	setBool("drop-missing-schema", &c.Run.DropMissingSchema, f.DropMissingSchema)
	setBool("person-accounts", &c.Run.PersonAccounts, f.PersonAccounts)
	setBool("unsafe-filters", &c.Run.UnsafeFilters, f.UnsafeFilters)
	setString("report-json", &c.Report.JSON, f.ReportJSON)
	setString("report-xlsx", &c.Report.XLSX, f.ReportXLSX)
	setString("metrics-textfile", &c.Metrics.Textfile, f.MetricsTextfile)

	if changed("no-reset-oids") {
		reset := !f.NoResetOIDs
		c.Run.ResetOIDs = &reset
	}
	// --resume без настроенного checkpoint включает его с файлом по умолчанию
	if changed("resume") && f.Resume {
		c.Checkpoint.Enabled = true
	}
}
