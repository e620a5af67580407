package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/wiremsg"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		metricsAddr string
		queue       int
		limit       int
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the prompt relay server",
		Long: `Accept clients and answer their prompts.

Prompts from all clients share one queue and are answered in order. With
--interactive, lines typed on stdin are answered too and the answers are
broadcast to every connected client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := wiremsg.NewLogger(os.Stderr, cfg.LogLevel)
			reg := prometheus.NewRegistry()
			metrics := wiremsg.NewMetrics(reg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := newRelay(logger, echoResponder, queue)
			r.limit = limit

			dispatcher := wiremsg.NewDispatcher(r.routes(),
				wiremsg.OnConnectHook(r.onConnect),
				wiremsg.OnDisconnectHook(r.onDisconnect),
				wiremsg.DispatcherLoggerOption(logger),
				wiremsg.DispatcherMetricsOption(metrics),
			)

			server, err := wiremsg.Listen(cfg.Listen, cfg.ServerOptions(logger, metrics)...)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				go serveMetrics(ctx, metricsAddr, reg, logger)
			}
			if interactive {
				go readPrompts(ctx, r, logger)
			}
			go func() {
				r.run(ctx)
				if limit > 0 {
					logger.Info("prompt limit reached", "limit", limit)
					stop()
				}
			}()

			err = server.Serve(ctx, dispatcher)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&queue, "queue", 64, "Maximum number of queued prompts")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after answering this many prompts (0 for no limit)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Also take prompts from stdin")

	return cmd
}

// serveMetrics exposes reg over HTTP until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger wiremsg.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// readPrompts answers stdin lines locally and broadcasts the answers.
func readPrompts(ctx context.Context, r *relay, logger wiremsg.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		prose, code := splitResponse(r.answer(scanner.Text()))
		n := r.broadcast(ResponseMessage{Prose: prose, Code: code})
		logger.Info("answer broadcast", "clients", n)
	}
}
