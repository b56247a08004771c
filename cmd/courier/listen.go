package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	courier "github.com/glimte/courier"
	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/health"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/internal/reliability"
)

func newListenCmd(flags *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		serveHTTP   bool
		noEcho      bool
		retries     int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a node that logs and echoes what it receives",
		Long: `Run a node consuming the shared queue, its broadcast queue and its unique
queue. Text received through Multi or Any is answered with an echo when the
sender asked for a reply. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if serveHTTP {
				cfg.Metrics.Enabled = true
			}
			if metricsAddr != "" {
				cfg.Metrics.Address = metricsAddr
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			opts := []courier.ClientOption{courier.WithLogger(logger)}
			var reg *prometheus.Registry
			if cfg.Metrics.Enabled {
				reg = prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				opts = append(opts, courier.WithRegisterer(reg))
			}

			client, err := connect(ctx, logger, retries, func() (*courier.Client, error) {
				return courier.New(ctx, cfg, newEchoHandler(logger, !noEcho), opts...)
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return err
			}
			cmd.Printf("Listening as %s. Press Ctrl+C to stop\n", client.UniqueQueue())

			if reg != nil {
				srv := newHTTPServer(cfg.Metrics.Address, reg, client.Health())
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "address", srv.Addr, "error", err)
						cancel()
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving metrics and health", "address", srv.Addr)
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&serveHTTP, "http", false, "Serve /metrics, /health and /live")
	cmd.Flags().StringVar(&metricsAddr, "http-addr", "", "Address for the HTTP endpoints (default from config)")
	cmd.Flags().BoolVar(&noEcho, "no-echo", false, "Log deliveries without replying")
	cmd.Flags().IntVar(&retries, "connect-retries", 0, "Retry an unreachable broker this many times with backoff")
	return cmd
}

// connect calls dial until it succeeds or retries run out. Only broker
// connection failures are retried.
func connect(ctx context.Context, logger *slog.Logger, retries int, dial func() (*courier.Client, error)) (*courier.Client, error) {
	policy := reliability.NewExponentialBackoff(500*time.Millisecond, 15*time.Second, 2.0, retries)

	var client *courier.Client
	attempt := 0
	err := reliability.Retry(ctx, policy, func() error {
		attempt++
		c, err := dial()
		if err == nil {
			client = c
			return nil
		}
		var connErr *rabbitmq.ConnectionError
		if !errors.As(err, &connErr) {
			return reliability.Permanent(err)
		}
		logger.Warn("broker unreachable", "attempt", attempt, "error", err)
		return err
	})
	return client, err
}

func newHTTPServer(addr string, reg *prometheus.Registry, checks *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/health", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/live", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// echoHandler logs every delivery and answers text with "echo: <text>".
// Unique deliveries are never answered, so two echoing nodes cannot bounce
// a message back and forth.
type echoHandler struct {
	logger *slog.Logger
	echo   bool
}

func newEchoHandler(logger *slog.Logger, echo bool) *echoHandler {
	return &echoHandler{logger: logger, echo: echo}
}

func (h *echoHandler) HandleText(ctx context.Context, d contracts.Delivery, text string) (*string, error) {
	h.logger.Info("received text",
		"sender", d.SenderType.String(),
		"messageId", d.MessageID,
		"correlationId", d.CorrelationID,
		"replyTo", d.Sender,
		"text", text,
	)
	if !h.echo || d.SenderType == contracts.Unique {
		return nil, nil
	}
	reply := "echo: " + text
	return &reply, nil
}

func (h *echoHandler) HandleTyped(ctx context.Context, d contracts.Delivery, msg any, msgType reflect.Type) (any, error) {
	h.logger.Info("received typed message",
		"sender", d.SenderType.String(),
		"messageId", d.MessageID,
		"type", msgType.String(),
	)
	return nil, nil
}
