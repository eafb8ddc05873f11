package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRenderCommand(opts *options) *cobra.Command {
	var (
		dataFile string
		sets     []string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "render NAME",
		Short: "Render a template to stdout or a file",
		Long: `Renders the template with the given id (e.g. pages.home). Variables come from
a YAML or JSON --data file and from --set key=value pairs, which win.`,
		Args: cobra.ExactArgs(1),
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

			vars, err := loadVars(dataFile, sets)
			if err != nil {
				return err
			}
			eng, cleanup, err := opts.engine(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var buf bytes.Buffer
			if err := eng.Render(&buf, args[0], vars); err != nil {
				return err
			}
			if out == "" {
				_, err = buf.WriteTo(cmd.OutOrStdout())
				return err
			}
			if err := atomic.WriteFile(out, &buf); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "", "YAML or JSON file with template variables")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "set a variable, key=value (repeatable)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write output to this file atomically")
	return cmd
}

func loadVars(dataFile string, sets []string) (map[string]any, error) {
	vars := map[string]any{}
	if dataFile != "" {
		raw, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		if err := yaml.Unmarshal(raw, &vars); err != nil {
			return nil, fmt.Errorf("parse data %s: %w", dataFile, err)
		}
	}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		vars[k] = v
	}
	return vars, nil
}
