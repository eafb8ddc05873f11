package main

import (
	"fmt"

	blade "github.com/dangdungcntt/go-blade-runtime"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check [NAME...]",
		Short: "Compile templates and report every error",
		Long:  `Compiles the named templates, or every template in the store when none is named.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			eng, cleanup, err := opts.engine(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			names := args
			if len(names) == 0 {
				lister, ok := eng.Store().(blade.Lister)
				if !ok {
					return fmt.Errorf("template store cannot list templates, name them explicitly")
				}
				if names, err = lister.List(); err != nil {
					return err
				}
			}
			failed := 0
			for _, name := range names {
				if _, err := eng.Compile(name); err != nil {
					failed++
					logger.Error("template invalid", zap.String("template", name), zap.Error(err))
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d templates checked, %d failed\n", len(names), failed)
			if failed > 0 {
				return fmt.Errorf("%d templates failed", failed)
			}
			return nil
		},
	}
}
