package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mmate "github.com/glimte/mmate-orders"
	"github.com/glimte/mmate-orders/config"
	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/internal/console"
	"github.com/glimte/mmate-orders/internal/logging"
	"github.com/google/uuid"
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
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "producer",
		Short: "Send OrderSubmitted messages to RabbitMQ",
		Long: `Reads order ids from the terminal and sends an OrderSubmitted message
for each of them. An empty line sends a fresh random id, q quits.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, configFile, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (yaml, json or toml)")
	flags.String("host", "localhost", "RabbitMQ host")
	flags.Int("port", 5672, "RabbitMQ port")
	flags.String("vhost", "/", "RabbitMQ virtual host")
	flags.String("username", "", "RabbitMQ username")
	flags.String("password", "", "RabbitMQ password")
	flags.StringP("queue", "q", "order-submitted-queue", "Destination queue")
	flags.String("customer", "Ali", "Customer name of every order")
	flags.String("total", "149.99", "Total of every order")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	for key, flag := range map[string]string{
		"broker.host":            "host",
		"broker.port":            "port",
		"broker.vhost":           "vhost",
		"broker.username":        "username",
		"broker.password":        "password",
		"queue":                  "queue",
		"producer.customer_name": "customer",
		"producer.total":         "total",
		"log.level":              "log-level",
		"log.format":             "log-format",
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

type input struct {
	id  uuid.UUID
	err error
}

func run(ctx context.Context, v *viper.Viper, configFile string, in io.Reader, out io.Writer, options ...mmate.ClientOption) error {
	con := console.New(in, out)

	cfg, err := config.Load(v, configFile)
	if err != nil {
		con.Error("Invalid configuration", err)
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr, "producer")
	if err != nil {
		con.Error("Invalid configuration", err)
		return err
	}

	total, err := cfg.Producer.Amount()
	if err != nil {
		con.Error("Invalid configuration", err)
		return err
	}

	con.Banner("Starting producer bus...")
	producer, err := mmate.NewProducer(ctx, cfg, append([]mmate.ClientOption{mmate.WithLogger(logger)}, options...)...)
	if err != nil {
		con.Error("Failed to connect to RabbitMQ", err)
		return err
	}
	defer func() {
		con.Banner("Stopping producer bus...")
		if err := producer.Close(); err != nil {
			logger.Error("failed to close producer", "error", err)
		}
	}()

	con.Banner("Producer started.")
	for _, line := range console.ProducerHelp {
		con.Info(line)
	}
	con.Println("")

	next := make(chan input, 1)
	for {
		go func() {
			id, err := con.ReadOrderID()
			next <- input{id: id, err: err}
		}()

		var got input
		select {
		case <-ctx.Done():
			con.Println("")
			return nil
		case got = <-next:
		}

		if errors.Is(got.err, console.ErrQuit) {
			return nil
		}
		if got.err != nil {
			con.Error("Failed to read input", got.err)
			return got.err
		}

		msg, err := contracts.NewOrderSubmitted(got.id, cfg.Producer.CustomerName, total)
		if err != nil {
			con.Error("Invalid order", err)
			continue
		}

		if err := producer.Send(ctx, msg); err != nil {
			con.Error("Send failed", err)
			continue
		}
		con.Sent(msg)
	}
}
