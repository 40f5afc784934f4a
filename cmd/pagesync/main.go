package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/pagesync/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the configuration shared by every subcommand.
type cli struct {
	cfgFile string
	viper   *viper.Viper
}

func newRootCommand() *cobra.Command {
	state := &cli{viper: config.NewViper()}
	rootCmd := &cobra.Command{
		Use:           "pagesync",
		Short:         "Concurrent editing and file sync for static HTML pages",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.initConfig()
		},
	}

	state.setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(state),
		newWorkerCommand(state),
		newBaselineCommand(state),
		newImportCommand(state),
		newVerifyCommand(state),
		newTokenCommand(state),
	)
	return rootCmd
}

func (s *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&s.cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("site-root", "", "Static site directory")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres DSN")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")

	s.bindFlag(cmd, "http.address", "http-address")
	s.bindFlag(cmd, "site.root", "site-root")
	s.bindFlag(cmd, "database.driver", "database-driver")
	s.bindFlag(cmd, "database.path", "database-path")
	s.bindFlag(cmd, "database.dsn", "database-dsn")
	s.bindFlag(cmd, "log.level", "log-level")
	s.bindFlag(cmd, "log.format", "log-format")
	s.bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func (s *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := s.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (s *cli) initConfig() error {
	if s.cfgFile != "" {
		s.viper.SetConfigFile(s.cfgFile)
	}

	if err := s.viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if s.cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func (s *cli) load() (config.AppConfig, error) {
	return config.Load(s.viper)
}
