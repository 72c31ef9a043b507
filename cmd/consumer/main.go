package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mmate "github.com/glimte/mmate-orders"
	"github.com/glimte/mmate-orders/config"
	"github.com/glimte/mmate-orders/internal/console"
	"github.com/glimte/mmate-orders/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}

	v := config.New()
	var (
		configFile string
		detach     bool
	)

	rootCmd := &cobra.Command{
		Use:   "consumer",
		Short: "Receive OrderSubmitted messages from RabbitMQ",
		Long: `Binds the order queue and prints every OrderSubmitted message it receives
until Enter is pressed or the process is interrupted.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, configFile, detach, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (yaml, json or toml)")
	flags.BoolVar(&detach, "detach", false, "Ignore stdin and run until interrupted")
	flags.String("host", "localhost", "RabbitMQ host")
	flags.Int("port", 5672, "RabbitMQ port")
	flags.String("vhost", "/", "RabbitMQ virtual host")
	flags.String("username", "", "RabbitMQ username")
	flags.String("password", "", "RabbitMQ password")
	flags.StringP("queue", "q", "order-submitted-queue", "Queue to consume")
	flags.String("error-queue", "", "Queue receiving rejected messages")
	flags.Int("prefetch", 16, "Prefetch count")
	flags.Bool("requeue", false, "Requeue messages the handler failed on")
	flags.Int("retries", 0, "In-process handler retries before a message is nacked")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	for key, flag := range map[string]string{
		"broker.host":               "host",
		"broker.port":               "port",
		"broker.vhost":              "vhost",
		"broker.username":           "username",
		"broker.password":           "password",
		"queue":                     "queue",
		"error_queue":               "error-queue",
		"consumer.prefetch_count":   "prefetch",
		"consumer.requeue_on_error": "requeue",
		"consumer.handler_retries":  "retries",
		"log.level":                 "log-level",
		"log.format":                "log-format",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			slog.Error("failed to bind flag", "flag", flag, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper, configFile string, detach bool, in io.Reader, out io.Writer, options ...mmate.ClientOption) error {
	con := console.New(in, out)

	cfg, err := config.Load(v, configFile)
	if err != nil {
		con.Error("Invalid configuration", err)
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr, "consumer")
	if err != nil {
		con.Error("Invalid configuration", err)
		return err
	}

	con.Banner("Starting consumer bus...")
	consumer, err := mmate.NewConsumer(ctx, cfg, console.OrderPrinter(con),
		append([]mmate.ClientOption{mmate.WithLogger(logger)}, options...)...)
	if err != nil {
		con.Error("Failed to connect to RabbitMQ", err)
		return err
	}

	con.Info(fmt.Sprintf("Consumer listening on '%s'.", consumer.Queue()))
	var enter <-chan struct{}
	if detach {
		con.Info("Press Ctrl+C to exit.")
	} else {
		con.Info("Press Enter to exit.")
		enter = con.WaitForEnter()
	}

	select {
	case <-enter:
	case <-ctx.Done():
	case <-consumer.Done():
	}

	con.Banner("Stopping consumer bus...")
	closeErr := consumer.Close()

	if err := consumer.Err(); err != nil {
		con.Error("Consumer stopped", err)
		return err
	}
	if closeErr != nil {
		con.Error("Failed to stop consumer", closeErr)
	}
	return closeErr
}
