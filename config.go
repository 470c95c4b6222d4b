package netconfd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/netconfd/internal/pathutil"
)

const (
	// DefaultListen is the default endpoint the server binds to.
	DefaultListen = ":4830"
	// DefaultListenProto selects the transport when none is configured.
	DefaultListenProto = "ssh"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultAcceptTimeout bounds each wait for an incoming session so the
	// accept loop can observe control-state changes.
	DefaultAcceptTimeout = 500 * time.Millisecond
	// DefaultPollTimeout bounds each registry poll in the process loop.
	DefaultPollTimeout = 500 * time.Millisecond
	// DefaultIdleSleep is how long the process loop sleeps when no session is admitted.
	DefaultIdleSleep = 200 * time.Millisecond
	// DefaultMaxFrameBytes caps a single inbound RPC frame.
	DefaultMaxFrameBytes = 8 << 20
	// DefaultMetricsListen is the metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultShutdownTimeout caps graceful teardown of an epoch.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultHostKeyName is the ssh host key file inside the config directory.
	DefaultHostKeyName = "host_key"
	// DefaultAuthorizedKeysName is the client key file inside the config directory.
	DefaultAuthorizedKeysName = "authorized_keys"
)

var listenProtos = []string{"tcp", "tcp4", "tcp6", "unix", "ssh"}

// Config captures the tunables for a netconfd.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":4830").
	Listen string
	// ListenProto selects the transport ("tcp", "tcp4", "tcp6", "unix" or "ssh").
	ListenProto string
	// Store is the backend DSN (for example mem://, disk:///var/lib/netconfd).
	Store string
	// AcceptTimeout bounds a single accept wait.
	AcceptTimeout time.Duration
	// PollTimeout bounds a single registry poll.
	PollTimeout time.Duration
	// IdleSleep is the process-loop sleep while no session is admitted.
	IdleSleep time.Duration
	// MaxFrameBytes caps inbound RPC frame size.
	MaxFrameBytes int
	// HostKeyPath points to the ssh host private key (ssh transport only).
	HostKeyPath string
	// AuthorizedKeysPath points to the authorized_keys file used for
	// public-key authentication (ssh transport only).
	AuthorizedKeysPath string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// MetricsListenSet reports whether MetricsListen was explicitly set by caller/flags/env.
	MetricsListenSet bool
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// PprofListenSet reports whether PprofListen was explicitly set by caller/flags/env.
	PprofListenSet bool
	// EnableProfilingMetrics enables runtime profiling metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration
	// DiskWatch enables filesystem change notification on disk backends so
	// externally edited documents are reloaded.
	DiskWatch bool
}

// SSHEnabled reports whether the ssh transport is selected.
func (c Config) SSHEnabled() bool {
	return c.ListenProto == "ssh"
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	valid := false
	for _, proto := range listenProtos {
		if c.ListenProto == proto {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("config: listen proto must be one of %s", strings.Join(listenProtos, ", "))
	}
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.MaxFrameBytes < 0 {
		return fmt.Errorf("config: max frame bytes must be >= 0")
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if !c.MetricsListenSet && c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if !c.PprofListenSet && c.PprofListen == "" {
		c.PprofListen = DefaultPprofListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.SSHEnabled() {
		if c.HostKeyPath == "" {
			path, err := DefaultHostKeyPath()
			if err != nil {
				return fmt.Errorf("config: resolve host key path: %w", err)
			}
			c.HostKeyPath = path
		}
		path, err := pathutil.ExpandUserAndEnv(c.HostKeyPath)
		if err != nil {
			return fmt.Errorf("config: expand host key path: %w", err)
		}
		c.HostKeyPath = path
		if c.AuthorizedKeysPath == "" {
			path, err := DefaultAuthorizedKeysPath()
			if err != nil {
				return fmt.Errorf("config: resolve authorized keys path: %w", err)
			}
			c.AuthorizedKeysPath = path
		}
		path, err = pathutil.ExpandUserAndEnv(c.AuthorizedKeysPath)
		if err != nil {
			return fmt.Errorf("config: expand authorized keys path: %w", err)
		}
		c.AuthorizedKeysPath = path
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.netconfd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("NETCONFD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".netconfd"), nil
}

// DefaultHostKeyPath returns the default ssh host key location.
func DefaultHostKeyPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultHostKeyName), nil
}

// DefaultAuthorizedKeysPath returns the default authorized_keys location.
func DefaultAuthorizedKeysPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultAuthorizedKeysName), nil
}
