package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/netconfd"
	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("NETCONFD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "netconfd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether the given argument list runs
// the root server command rather than a subcommand. Errors from the server
// itself go through the structured logger; subcommand errors print plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			if flag := lookupLong(strings.TrimPrefix(arg, "--")); flag != nil && flag.NoOptDefVal == "" {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			if flag := lookupShort(strings.TrimPrefix(arg, "-")); flag != nil && flag.NoOptDefVal == "" {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := netconfd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, netconfd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg netconfd.Config
	var bootstrapDir string
	var bootstrapRan bool
	runBootstrap := func(baseLogger pslog.Logger) error {
		if bootstrapDir == "" || bootstrapRan {
			return nil
		}
		bootstrapRan = true
		abs, err := filepath.Abs(bootstrapDir)
		if err != nil {
			return fmt.Errorf("resolve --bootstrap path: %w", err)
		}
		if os.Getenv("NETCONFD_CONFIG_DIR") == "" {
			if err := os.Setenv("NETCONFD_CONFIG_DIR", abs); err != nil {
				return fmt.Errorf("set NETCONFD_CONFIG_DIR: %w", err)
			}
		}
		logger := svcfields.WithSubsystem(baseLogger, "cli.bootstrap")
		return bootstrapConfigDir(abs, logger)
	}

	cmd := &cobra.Command{
		Use:           "netconfd",
		Short:         "netconfd is a single-binary NETCONF-style configuration server with exclusive datastore locks over ssh",
		SilenceErrors: true,
		Example: `
  # Serve over ssh with keys under $HOME/.netconfd (run --bootstrap once to create them)
  netconfd --store disk:///var/lib/netconfd

  # Generate host key, client key and config under a directory, then serve from it
  netconfd --bootstrap /etc/netconfd --store disk:///var/lib/netconfd

  # Plain tcp endpoint for local development (identity named in the client hello)
  netconfd --listen-proto tcp --listen 127.0.0.1:4830 --store mem://

  # Unix socket endpoint
  netconfd --listen-proto unix --listen /var/run/netconfd.sock --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to netconfd",
				"app", "netconfd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if err := runBootstrap(baseLogger); err != nil {
				return err
			}

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			srv, err := netconfd.NewServer(cfg, netconfd.WithLogger(logger))
			if err != nil {
				return err
			}

			signals := make(chan os.Signal, 2)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGUSR1)
			defer signal.Stop(signals)
			go func() {
				stopping := false
				for {
					select {
					case sig := <-signals:
						switch sig {
						case syscall.SIGHUP, syscall.SIGUSR1:
							if srv.Restart() {
								cliLogger.Info("restart requested", "signal", sig.String())
							}
						default:
							if stopping {
								cliLogger.Warn("forced exit", "signal", sig.String())
								os.Exit(1)
							}
							stopping = true
							cliLogger.Info("shutdown requested", "signal", sig.String())
							srv.Stop()
						}
					case <-ctx.Done():
						srv.Stop()
						return
					}
				}
			}()

			return srv.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.netconfd/"+netconfd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringVar(&bootstrapDir, "bootstrap", "", "initialize host key, client key and config under this directory before running (idempotent)")
	flags.String("listen", netconfd.DefaultListen, "listen address")
	flags.String("listen-proto", netconfd.DefaultListenProto, "listen transport (ssh, tcp, tcp4, tcp6, unix)")
	flags.String("store", netconfd.DefaultStore, "datastore backend URL (mem://, disk:///path)")
	flags.String("host-key", "", "path to the ssh host private key (defaults to $HOME/.netconfd/"+netconfd.DefaultHostKeyName+")")
	flags.String("authorized-keys", "", "path to the ssh authorized_keys file (defaults to $HOME/.netconfd/"+netconfd.DefaultAuthorizedKeysName+")")
	flags.Duration("accept-timeout", netconfd.DefaultAcceptTimeout, "bound on a single accept wait")
	flags.Duration("poll-timeout", netconfd.DefaultPollTimeout, "bound on a single session poll")
	flags.Duration("idle-sleep", netconfd.DefaultIdleSleep, "process-loop sleep while no session is admitted")
	flags.String("max-frame-bytes", humanizeBytes(netconfd.DefaultMaxFrameBytes), "maximum inbound RPC frame size")
	flags.String("metrics-listen", netconfd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", netconfd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", netconfd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.Bool("disk-watch", true, "reload disk-backed datastores when their files change on disk")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("NETCONFD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "store", "host-key", "authorized-keys",
		"accept-timeout", "poll-timeout", "idle-sleep", "max-frame-bytes",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "shutdown-timeout", "disk-watch", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *netconfd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.HostKeyPath = viper.GetString("host-key")
	cfg.AuthorizedKeysPath = viper.GetString("authorized-keys")
	cfg.AcceptTimeout = viper.GetDuration("accept-timeout")
	cfg.PollTimeout = viper.GetDuration("poll-timeout")
	cfg.IdleSleep = viper.GetDuration("idle-sleep")
	if raw := viper.GetString("max-frame-bytes"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-frame-bytes: %w", err)
		}
		cfg.MaxFrameBytes = int(size)
	}
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.MetricsListenSet = viper.IsSet("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.PprofListenSet = viper.IsSet("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.DiskWatch = viper.GetBool("disk-watch")
	return nil
}
