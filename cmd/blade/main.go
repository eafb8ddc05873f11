// Command blade renders, checks and serves Blade templates.
package main

import (
	"fmt"
	"os"

	blade "github.com/dangdungcntt/go-blade-runtime"
	"github.com/dangdungcntt/go-blade-runtime/sqlstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	dir        string
	suffix     string
	db         string
	table      string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "blade",
		Short:        "Render and check Blade templates",
		SilenceUsage: true,
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "blade.yaml", "config file")
	f.StringVarP(&opts.dir, "dir", "d", "", "template directory (overrides config)")
	f.StringVar(&opts.suffix, "suffix", "", "template file suffix (overrides config)")
	f.StringVar(&opts.db, "db", "", "read templates from this sqlite database instead of the directory")
	f.StringVar(&opts.table, "table", sqlstore.DefaultTable, "templates table in --db")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")

	cmd.AddCommand(newRenderCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func (o *options) loadConfig() (*blade.Config, error) {
	cfg, err := blade.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dir != "" {
		cfg.Dir = o.dir
	}
	if o.suffix != "" {
		cfg.Suffix = o.suffix
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.Validate()
}

// engine builds the engine described by the flags, with a cleanup func for the
// database handle when --db is used.
func (o *options) engine(cfg *blade.Config, logger *zap.Logger) (*blade.Engine, func(), error) {
	if o.db == "" {
		e, err := blade.NewFromConfig(cfg, blade.WithLogger(logger))
		return e, func() {}, err
	}
	db, err := initDB(o.db)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store, err := sqlstore.New(db, o.table)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	e, err := blade.NewFromConfigStore(cfg, store, blade.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return e, func() { _ = db.Close() }, nil
}
