package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	dispatch "github.com/glimte/rabbitmq-dispatch"
	"github.com/glimte/rabbitmq-dispatch/config"
	"github.com/glimte/rabbitmq-dispatch/health"
	"github.com/glimte/rabbitmq-dispatch/transports/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries the state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	logger *slog.Logger

	// sessionOptions are appended to every dial; tests use them to swap the dialer
	sessionOptions []rabbitmq.SessionOption
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rabbitmq-dispatch",
		Short: "Run configured RabbitMQ consumers",
		Long: `rabbitmq-dispatch registers the consumers configured for a connection on a
single channel and dispatches their deliveries to named handlers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(a.logLevel, a.logFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "rabbitmq.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(
		newConsumeCmd(a),
		newPublishCmd(a),
		newDeclareCmd(a),
		newCheckCmd(a),
	)
	return rootCmd
}

func newConsumeCmd(a *app) *cobra.Command {
	var (
		prefetch       int
		ackStrategy    string
		requeueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "consume <connection> [queue]",
		Short: "Consume every queue configured for a connection",
		Long: `Registers every consumer configured for the connection, or only the one for
queue when it is given, and handles deliveries until interrupted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := dispatch.ParseAcknowledgmentStrategy(ackStrategy)
			if err != nil {
				return err
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}

			var queue string
			if len(args) == 2 {
				queue = args[1]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessionOptions := append([]rabbitmq.SessionOption{
				rabbitmq.WithLogger(a.logger),
				rabbitmq.WithPrefetch(prefetch),
			}, a.sessionOptions...)

			orchestrator := dispatch.NewOrchestrator(cfg, builtinHandlers(a.logger),
				dispatch.WithLogger(a.logger),
				dispatch.WithSessionFactory(dispatch.DialSession(sessionOptions...)),
				dispatch.WithAckPolicy(dispatch.AckPolicy{
					Strategy:       strategy,
					RequeueOnError: requeueOnError,
				}),
			)
			return orchestrator.Run(ctx, args[0], queue)
		},
	}

	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "Channel prefetch count (0 disables basic.qos)")
	cmd.Flags().StringVar(&ackStrategy, "ack", dispatch.AckOnSuccess.String(), "Acknowledgment strategy (ack-on-success, ack-always, manual)")
	cmd.Flags().BoolVar(&requeueOnError, "requeue-on-error", false, "Requeue deliveries whose handler failed")
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <connection> <exchange> <routing-key> <json>",
		Short: "Publish one JSON message",
		Long:  "Publishes a JSON document. Pass - as the document to read it from stdin.",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(args[3])
			if args[3] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
				raw = data
			}

			var payload any
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}

			session, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Publish(cmd.Context(), args[1], args[2], payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published to exchange '%s' with routing key '%s'\n", args[1], args[2])
			return nil
		},
	}
}

func newDeclareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "declare <connection>",
		Short: "Declare the topology configured for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if _, err := resolveConnection(cfg, args[0]); err != nil {
				return err
			}

			topology, ok := cfg.Topology[args[0]]
			if !ok {
				return fmt.Errorf("no topology configured for connection '%s'", args[0])
			}

			session, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.DeclareTopology(dispatch.Topology(topology)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Declared %d exchanges, %d queues and %d bindings on '%s'\n",
				len(topology.Exchanges), len(topology.Queues), len(topology.Bindings), args[0])
			return nil
		},
	}
}

func newCheckCmd(a *app) *cobra.Command {
	var (
		output    string
		timeout   time.Duration
		threshold int
	)

	cmd := &cobra.Command{
		Use:   "check <connection>",
		Short: "Check the broker and the queues consumed on a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			conn, err := resolveConnection(cfg, args[0])
			if err != nil {
				return err
			}

			open := func(ctx context.Context) (health.Probe, error) {
				session, err := a.dial(ctx, args[0], conn, rabbitmq.WithPrefetch(0))
				if err != nil {
					return nil, err
				}
				return session, nil
			}

			registry := health.NewRegistry()
			registry.Register(health.NewSessionChecker(args[0], open, a.logger))
			seen := make(map[string]bool)
			for _, b := range dispatch.Select(cfg.Consumers, args[0], "") {
				if !seen[b.Queue] {
					seen[b.Queue] = true
					registry.Register(health.NewQueueChecker(b.Queue, open, threshold, a.logger))
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result := registry.Check(ctx)

			if err := printHealth(cmd.OutOrStdout(), result, output); err != nil {
				return err
			}
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("connection '%s' is unhealthy", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall check timeout")
	cmd.Flags().IntVar(&threshold, "warn-messages", 10000, "Queue depth reported as degraded")
	return cmd
}

func (a *app) openSession(ctx context.Context, name string) (*rabbitmq.Session, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	conn, err := resolveConnection(cfg, name)
	if err != nil {
		return nil, err
	}
	return a.dial(ctx, name, conn)
}

func (a *app) dial(ctx context.Context, name string, conn config.Connection, extra ...rabbitmq.SessionOption) (*rabbitmq.Session, error) {
	options := []rabbitmq.SessionOption{
		rabbitmq.WithLogger(a.logger),
		rabbitmq.WithConnectionName("rabbitmq-dispatch-" + name),
	}
	options = append(options, extra...)
	options = append(options, a.sessionOptions...)
	return rabbitmq.Dial(ctx, conn.URL(), options...)
}

func resolveConnection(cfg *config.Config, name string) (config.Connection, error) {
	conn, ok := cfg.Connection(name)
	if !ok {
		return config.Connection{}, &dispatch.ConfigurationError{
			Connection: name,
			Err:        dispatch.ErrConnectionNotFound,
		}
	}
	return conn, nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// Output formatting functions

func printHealth(w io.Writer, result health.OverallHealth, output string) error {
	switch output {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case "text":
	default:
		return fmt.Errorf("invalid output format %q", output)
	}

	fmt.Fprintf(w, "Overall: %s (%s)\n", result.Status, result.Duration.Truncate(time.Millisecond))
	fmt.Fprintln(w, strings.Repeat("-", 80))
	fmt.Fprintf(w, "%-30s %-10s %s\n", "Check", "Status", "Message")
	for _, name := range result.Names() {
		check := result.Checks[name]
		message := check.Message
		if check.Error != "" {
			message += ": " + check.Error
		}
		fmt.Fprintf(w, "%-30s %-10s %s\n", truncate(name, 30), check.Status, message)
	}
	return nil
}

// truncate shortens s to at most maxLen bytes without splitting a rune
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
