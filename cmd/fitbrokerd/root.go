package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wuayee/fitbroker"
)

const (
	envPrefix       = "FITBROKER"
	shutdownTimeout = 30 * time.Second
)

type options struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "fitbrokerd",
		Short: "Run a fitbroker worker",
		Long: `Run a fitbroker worker that joins the cluster over the configured transport.

With --serve-registry the worker hosts the registry for the cluster; other
workers reach it through registry_worker_id.

Configuration is read from the file given by --config, then from
FITBROKER_* environment variables (FITBROKER_PUBSUB_SYSTEM, ...), then from
flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, opts.cfgFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), v, opts, cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.cfgFile, "config", "c", "", "config file (YAML)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.String("worker-id", "", "worker id (default: generated ULID)")
	flags.String("pubsub", "", "transport: channel, kafka, rabbitmq, nats or http")
	flags.Bool("serve-registry", false, "host the registry for the cluster")
	flags.String("registry-worker", "", "worker id serving the registry")
	flags.Int("observability-port", 0, "port of the inspection API and /metrics (0 disables it)")

	// Bind flags to viper
	_ = v.BindPFlag("worker_id", flags.Lookup("worker-id"))
	_ = v.BindPFlag("pubsub_system", flags.Lookup("pubsub"))
	_ = v.BindPFlag("serve_registry", flags.Lookup("serve-registry"))
	_ = v.BindPFlag("registry_worker_id", flags.Lookup("registry-worker"))
	_ = v.BindPFlag("observability_port", flags.Lookup("observability-port"))

	cmd.AddCommand(newConfigCmd(v))
	return cmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(v)
			if err != nil {
				return err
			}
			out, err := fitbroker.MarshalIndent(conf.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return err
	}

	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", cfgFile, err)
	}
	return nil
}

// bindEnv registers every config key so Unmarshal sees environment values
// for keys absent from the file.
func bindEnv(v *viper.Viper) error {
	t := reflect.TypeFor[fitbroker.Config]()
	for i := range t.NumField() {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig decodes the merged settings and applies defaults.
func loadConfig(v *viper.Viper) (*fitbroker.Config, error) {
	var conf fitbroker.Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func newLogger(level string, w io.Writer) (fitbroker.ServiceLogger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return fitbroker.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))), nil
}

// runWorker serves until ctx ends or a signal arrives, then closes the
// service.
func runWorker(ctx context.Context, v *viper.Viper, opts *options, logOut io.Writer) error {
	conf, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(opts.logLevel, logOut)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := fitbroker.NewService(ctx, conf, logger, fitbroker.ServiceDependencies{})
	if err != nil {
		return err
	}
	logger.Info("Worker starting", fitbroker.LogFields{
		"worker_id":      svc.WorkerID(),
		"transport":      conf.PubSubSystem,
		"serve_registry": conf.ServeRegistry,
	})
	return serve(ctx, svc, logger)
}

// worker is the part of fitbroker.Service that serve drives.
type worker interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	WorkerID() string
}

// serve runs w until ctx ends and always closes it afterwards.
func serve(ctx context.Context, w worker, logger fitbroker.ServiceLogger) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := w.Close(closeCtx); err != nil {
			logger.Error("Worker shutdown failed", err, fitbroker.LogFields{"worker_id": w.WorkerID()})
		}
	}()

	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
