package main

import (
	"fmt"
	"os"

	blade "github.com/dangdungcntt/go-blade-runtime"
	"github.com/dangdungcntt/go-blade-runtime/sqlstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newImportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Copy the templates of the directory into the --db database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.db == "" {
				return fmt.Errorf("--db is required")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := initDB(opts.db)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			store, err := sqlstore.New(db, opts.table)
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			src := blade.NewFSStore(os.DirFS(cfg.Dir), cfg.Suffix)
			names, err := src.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				body, err := src.Read(name)
				if err != nil {
					return err
				}
				if err := store.Put(cmd.Context(), name, body); err != nil {
					return fmt.Errorf("import %s: %w", name, err)
				}
				logger.Debug("template imported", zap.String("template", name))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d templates\n", len(names))
			return nil
		},
	}
}
