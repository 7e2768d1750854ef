package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ruslano69/orgdata/pkg/etl"
	"github.com/ruslano69/orgdata/pkg/remote"
)

// clientFactory создает клиент удаленного сервиса по конфигурации
type clientFactory func(config *etl.RunConfig, log zerolog.Logger) (remote.Client, error)

func newHTTPClient(config *etl.RunConfig, log zerolog.Logger) (remote.Client, error) {
	return remote.NewHTTPClient(config.HTTPConfig(), log)
}

// rootOptions - общие флаги всех команд
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	out       io.Writer // вывод команд
	logOut    io.Writer // логи
	newClient clientFactory
}

// NewRootCmd собирает дерево команд orgdata
func NewRootCmd(ctx context.Context, out, logOut io.Writer) *cobra.Command {
	return newRootCmd(ctx, &rootOptions{out: out, logOut: logOut, newClient: newHTTPClient})
}

func newRootCmd(ctx context.Context, o *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "orgdata",
		Short:             "Load and extract CRM org data described by a mapping file",
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: zeroLogPreRunE(o),
	}
	rootCmd.SetOut(o.out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&o.ConfigPath, "config", "", "path to the run configuration (YAML)")
	flags.StringVar(&o.LogLevel, "log-level", "info", `verbosity of logging ("trace", "debug", "info", "warn", "error")`)
	flags.StringVar(&o.LogFormat, "log-format", "auto", `format of logs ("auto", "human", "json")`)

	rootCmd.AddCommand(newLoadCmd(ctx, o))
	rootCmd.AddCommand(newExtractCmd(ctx, o))
	rootCmd.AddCommand(newDeleteCmd(ctx, o))
	rootCmd.AddCommand(newValidateCmd(ctx, o))
	rootCmd.AddCommand(newOrderCmd(o))
	rootCmd.AddCommand(newCountsCmd(ctx, o))
	rootCmd.AddCommand(newEntitiesCmd(ctx, o))
	rootCmd.AddCommand(newInitConfigCmd(o))
	return rootCmd
}

// zeroLogPreRunE настраивает глобальный zerolog: консольный вывод для терминала, JSON иначе
func zeroLogPreRunE(o *rootOptions) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		tty := false
		if f, ok := o.logOut.(*os.File); ok {
			tty = isatty.IsTerminal(f.Fd())
		}
		switch o.LogFormat {
		case "human":
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: o.logOut})
		case "auto":
			if tty {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: o.logOut})
			} else {
				log.Logger = log.Output(o.logOut)
			}
		case "json":
			log.Logger = log.Output(o.logOut)
		default:
			return fmt.Errorf("unknown log format: %s", o.LogFormat)
		}

		levelString := strings.ToLower(o.LogLevel)
		level, err := zerolog.ParseLevel(levelString)
		if err != nil {
			return fmt.Errorf("unknown log level: %s", levelString)
		}
		zerolog.SetGlobalLevel(level)
		log.Debug().Str("level", levelString).Msg("set log level")
		return nil
	}
}

// loadConfig читает конфигурацию запуска; без --config используются значения по умолчанию
func (o *rootOptions) loadConfig() (*etl.RunConfig, error) {
	if o.ConfigPath == "" {
		return etl.DefaultConfig(), nil
	}
	return etl.LoadConfig(o.ConfigPath)
}

func (o *rootOptions) client(config *etl.RunConfig) (remote.Client, error) {
	client, err := o.newClient(config, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	return client, nil
}
