package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/fieldsim/courier-go/contracts"
	"github.com/fieldsim/courier-go/internal/reliability"
	"github.com/fieldsim/courier-go/messaging"
	amqptransport "github.com/fieldsim/courier-go/transports/amqp"
	"github.com/fieldsim/courier-go/transports/httppost"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type config struct {
	HTTPBaseURL  string        `env:"COURIER_HTTP_BASE_URL"`
	AMQPURL      string        `env:"COURIER_AMQP_URL"`
	BatchSize    int           `env:"COURIER_BATCH_SIZE" envDefault:"10"`
	IdleInterval time.Duration `env:"COURIER_IDLE_INTERVAL" envDefault:"1s"`
	MaxRetries   int           `env:"COURIER_MAX_RETRIES" envDefault:"3"`
	LogLevel     string        `env:"COURIER_LOG_LEVEL" envDefault:"info"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Reliable message delivery for simulation services",
		Long: `Courier delivers messages to downstream services over HTTP or AMQP with
validation, retries with backoff, circuit breaking and a dead letter queue.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	var cfg config

	rootCmd.PersistentFlags().StringVar(&cfg.HTTPBaseURL, "http-base-url", "", "Base URL for the HTTP transport (env COURIER_HTTP_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&cfg.AMQPURL, "amqp-url", "", "Broker URL for the AMQP transport (env COURIER_AMQP_URL)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	cobra.OnInitialize(func() {
		var envCfg config
		if err := env.Parse(&envCfg); err != nil {
			fmt.Fprintf(os.Stderr, "parse environment: %v\n", err)
			os.Exit(1)
		}
		if cfg.HTTPBaseURL == "" {
			cfg.HTTPBaseURL = envCfg.HTTPBaseURL
		}
		if cfg.AMQPURL == "" {
			cfg.AMQPURL = envCfg.AMQPURL
		}
		if cfg.LogLevel == "" {
			cfg.LogLevel = envCfg.LogLevel
		}
		cfg.BatchSize = envCfg.BatchSize
		cfg.IdleInterval = envCfg.IdleInterval
		cfg.MaxRetries = envCfg.MaxRetries
	})

	rootCmd.AddCommand(newRunCmd(&cfg), newSendCmd(&cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd(cfg *config) *cobra.Command {
	var (
		demoCount    int
		demoInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the delivery loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cfg.LogLevel)
			sender, cleanup, err := buildSender(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("shutting down")
				sender.Stop()
			}()

			if demoCount > 0 {
				go emitDemoTraffic(ctx, sender, logger, demoCount, demoInterval)
			}

			if err := sender.Run(ctx); err != nil && err != context.Canceled {
				return err
			}

			printStatistics(sender.Statistics())
			return nil
		},
	}

	cmd.Flags().IntVar(&demoCount, "demo-count", 0, "Emit this many sample game events (0 disables)")
	cmd.Flags().DurationVar(&demoInterval, "demo-interval", time.Second, "Interval between sample events")
	return cmd
}

// emitDemoTraffic sends synthetic game events so operators can watch the
// delivery pipeline work end to end.
func emitDemoTraffic(ctx context.Context, sender *messaging.ReliableMessageSender, logger *slog.Logger, count int, interval time.Duration) {
	events := []string{"kickoff", "first_down", "touchdown", "field_goal", "turnover"}

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		payload := map[string]interface{}{
			"event_type": events[i%len(events)],
			"timestamp":  float64(time.Now().Unix()),
			"game_id":    fmt.Sprintf("game-%d", i/len(events)+1),
			"play_id":    fmt.Sprintf("play-%d", i+1),
		}

		id, err := sender.Send(ctx, "game_service", payload,
			contracts.WithSchema("game_event"))
		if err != nil {
			logger.Error("demo send rejected", "error", err)
			continue
		}
		logger.Info("demo event queued", "messageId", id, "event", payload["event_type"])
	}
}

func newSendCmd(cfg *config) *cobra.Command {
	var (
		priority   string
		schemaName string
		ttl        time.Duration
		wait       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <destination> <payload-json>",
		Short: "Send a single message and wait for the outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}

			logger := newLogger(cfg.LogLevel)
			sender, cleanup, err := buildSender(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go sender.Run(ctx)
			defer sender.Stop()

			opts := []contracts.EnvelopeOption{}
			if p, ok := parsePriority(priority); ok {
				opts = append(opts, contracts.WithPriority(p))
			}
			if schemaName != "" {
				opts = append(opts, contracts.WithSchema(schemaName))
			}
			if ttl > 0 {
				opts = append(opts, contracts.WithTTL(ttl))
			}

			id, err := sender.Send(ctx, args[0], payload, opts...)
			if err != nil {
				return err
			}
			fmt.Printf("message %s accepted\n", id)

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				status, found := sender.Status(id)
				if found && (status == contracts.StatusSent || status == contracts.StatusExpired || status == contracts.StatusFailed) {
					if entry, dead := sender.DeadLetters().Find(id); dead {
						return fmt.Errorf("message %s dead-lettered: %s", id, entry.Reason)
					}
					if status == contracts.StatusSent {
						fmt.Printf("message %s delivered\n", id)
						return nil
					}
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("message %s not delivered within %v", id, wait)
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "Message priority: low, normal, high, critical")
	cmd.Flags().StringVarP(&schemaName, "schema", "s", "", "Schema to validate the payload against")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Message time to live (0 means no expiry)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 30*time.Second, "How long to wait for a delivery outcome")
	return cmd
}

// buildSender wires the sender with the transports the configuration names.
// The returned cleanup closes transport resources.
func buildSender(cfg *config, logger *slog.Logger) (*messaging.ReliableMessageSender, func(), error) {
	sender := messaging.NewReliableMessageSender(
		messaging.WithSenderLogger(logger),
		messaging.WithBatchSize(cfg.BatchSize),
		messaging.WithIdleInterval(cfg.IdleInterval),
		messaging.WithDefaultMaxRetries(cfg.MaxRetries),
		messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("delivery"),
		)),
	)

	var cleanups []func()
	registered := 0

	if cfg.HTTPBaseURL != "" {
		transport, err := httppost.NewTransport(cfg.HTTPBaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("http transport: %w", err)
		}
		sender.RegisterTransport("http", transport)
		registered++
	}

	if cfg.AMQPURL != "" {
		transport, err := amqptransport.NewTransport(context.Background(), cfg.AMQPURL,
			amqptransport.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("amqp transport: %w", err)
		}
		sender.RegisterTransport("amqp", transport)
		cleanups = append(cleanups, func() { transport.Close() })
		registered++
	}

	if registered == 0 {
		return nil, nil, fmt.Errorf("no transport configured: set --http-base-url or --amqp-url")
	}

	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}
	return sender, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func parsePriority(s string) (contracts.Priority, bool) {
	switch s {
	case "low":
		return contracts.PriorityLow, true
	case "normal":
		return contracts.PriorityNormal, true
	case "high":
		return contracts.PriorityHigh, true
	case "critical":
		return contracts.PriorityCritical, true
	default:
		return 0, false
	}
}

func printStatistics(stats messaging.Statistics) {
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}
