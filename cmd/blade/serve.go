package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	blade "github.com/dangdungcntt/go-blade-runtime"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *options) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve templates over HTTP, one page per template",
		Long: `Starts an HTTP server that renders the template named by the request path,
with query parameters as variables. With --watch, edited files are recompiled on
the next request.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("watch") {
				cfg.Watch = watch
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gin.SetMode(gin.ReleaseMode)
			r := gin.New()
			r.Use(gin.Recovery())
			hr := blade.NewHTMLRender(eng)
			r.HTMLRender = hr
			r.NoRoute(hr.PageHandler())

			srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(ctx)
			if cfg.Watch && opts.db == "" {
				w, err := blade.NewWatcher(eng, cfg.Dir, cfg.Suffix)
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Run(ctx) })
			}
			g.Go(func() error {
				logger.Info("serving templates", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&watch, "watch", false, "recompile templates when files change")
	return cmd
}
