package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/rice-eval/internal/pkg/security"
	"github.com/ricesearch/rice-eval/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and the HTTP API",
		Long: `Start the task scheduler loop and the HTTP API in one process.

On startup every task left RUNNING by an unclean stop goes back to WAITING,
and spool files or output directories no task references are removed.
SIGINT or SIGTERM stops the loop; an in-flight task is reset to WAITING.`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "HTTP port (overrides config)")
	cmd.Flags().String("host", "", "HTTP host (overrides config)")
	cmd.Flags().Bool("no-api", false, "run the scheduler without the HTTP API")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, appOptions{events: true, tracing: true})
	if err != nil {
		return err
	}
	defer a.close()

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		a.cfg.Host = host
	}
	noAPI, _ := cmd.Flags().GetBool("no-api")

	a.log.Info("Starting rice-eval",
		"version", version,
		"eval_root", a.cfg.Eval.Root,
		"store", a.cfg.Store.Type,
		"search", a.cfg.Search.Endpoint,
	)
	a.log.Debug("Judging service", "settings", security.MaskSensitiveMap(map[string]string{
		"base_url": a.cfg.Judge.BaseURL,
		"api_key":  a.cfg.Judge.APIKey,
		"rate":     strconv.FormatFloat(a.cfg.Judge.RateLimit, 'f', -1, 64),
	}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.mgr.Run(gctx, "")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if !noAPI {
		srvCfg := server.DefaultConfig()
		srvCfg.Host = a.cfg.Host
		srvCfg.Port = a.cfg.Port
		srvCfg.Version = version
		srvCfg.MetricsPath = ""
		if a.cfg.Observability.MetricsEnabled {
			srvCfg.MetricsPath = a.cfg.Observability.MetricsPath
		}

		srv, err := server.New(srvCfg, server.Deps{
			Scheduler: a.mgr,
			Eval:      a.cfg.Eval,
			Metrics:   a.metrics,
			Logger:    a.log,
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			return srv.Stop(context.Background())
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("rice-eval stopped")
	return nil
}
