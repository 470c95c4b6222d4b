package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/netconfd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage netconfd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.netconfd/" + netconfd.DefaultConfigFileName
	if dir, err := netconfd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, netconfd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default netconfd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := netconfd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, netconfd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	Store                  string `yaml:"store"`
	HostKey                string `yaml:"host-key"`
	AuthorizedKeys         string `yaml:"authorized-keys"`
	AcceptTimeout          string `yaml:"accept-timeout"`
	PollTimeout            string `yaml:"poll-timeout"`
	IdleSleep              string `yaml:"idle-sleep"`
	MaxFrameBytes          string `yaml:"max-frame-bytes"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	DiskWatch              bool   `yaml:"disk-watch"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	hostKey := ""
	if path, err := netconfd.DefaultHostKeyPath(); err == nil {
		hostKey = path
	}
	authorizedKeys := ""
	if path, err := netconfd.DefaultAuthorizedKeysPath(); err == nil {
		authorizedKeys = path
	}
	defaults := configDefaults{
		Listen:                 netconfd.DefaultListen,
		ListenProto:            netconfd.DefaultListenProto,
		Store:                  netconfd.DefaultStore,
		HostKey:                hostKey,
		AuthorizedKeys:         authorizedKeys,
		AcceptTimeout:          netconfd.DefaultAcceptTimeout.String(),
		PollTimeout:            netconfd.DefaultPollTimeout.String(),
		IdleSleep:              netconfd.DefaultIdleSleep.String(),
		MaxFrameBytes:          humanizeBytes(netconfd.DefaultMaxFrameBytes),
		MetricsListen:          netconfd.DefaultMetricsListen,
		PprofListen:            netconfd.DefaultPprofListen,
		EnableProfilingMetrics: false,
		OTLPEndpoint:           "",
		ShutdownTimeout:        netconfd.DefaultShutdownTimeout.String(),
		DiskWatch:              true,
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
