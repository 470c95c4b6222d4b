package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"pkt.systems/netconfd"
	"pkt.systems/pslog"
)

const (
	bootstrapStoreDefault = "mem://"
	bootstrapClientName   = "netconfd-client"
)

// bootstrapConfigDir populates dir with an ssh host key, a client keypair
// whose public half seeds authorized_keys, and a default config file.
// Existing files are left alone so the call is idempotent.
func bootstrapConfigDir(dir string, logger pslog.Logger) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("bootstrap: directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("bootstrap: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return fmt.Errorf("bootstrap: create %s: %w", abs, err)
	}

	paths := map[string]string{
		"hostKey":        filepath.Join(abs, netconfd.DefaultHostKeyName),
		"clientKey":      filepath.Join(abs, "client_key"),
		"authorizedKeys": filepath.Join(abs, netconfd.DefaultAuthorizedKeysName),
		"config":         filepath.Join(abs, netconfd.DefaultConfigFileName),
	}

	if err := ensureBootstrapHostKey(paths["hostKey"], logger); err != nil {
		return err
	}
	if err := ensureBootstrapClientKey(paths["clientKey"], paths["authorizedKeys"], logger); err != nil {
		return err
	}
	if err := ensureBootstrapConfig(paths["config"], paths["hostKey"], paths["authorizedKeys"], logger); err != nil {
		return err
	}
	return nil
}

func ensureBootstrapHostKey(path string, logger pslog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bootstrap: stat host key %s: %w", path, err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("bootstrap: generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "netconfd host key")
	if err != nil {
		return fmt.Errorf("bootstrap: encode host key: %w", err)
	}
	if err := writeBootstrapFile(path, pem.EncodeToMemory(block)); err != nil {
		return fmt.Errorf("bootstrap: write host key: %w", err)
	}
	logger.Info("bootstrap: generated ssh host key", "path", path)
	return nil
}

func ensureBootstrapClientKey(keyPath, authorizedPath string, logger pslog.Logger) error {
	var signer ssh.Signer
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err = ssh.ParsePrivateKey(data)
		if err != nil {
			return fmt.Errorf("bootstrap: parse client key %s: %w", keyPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("bootstrap: generate client key: %w", err)
		}
		block, err := ssh.MarshalPrivateKey(priv, "netconfd client key")
		if err != nil {
			return fmt.Errorf("bootstrap: encode client key: %w", err)
		}
		if err := writeBootstrapFile(keyPath, pem.EncodeToMemory(block)); err != nil {
			return fmt.Errorf("bootstrap: write client key: %w", err)
		}
		signer, err = ssh.NewSignerFromKey(priv)
		if err != nil {
			return fmt.Errorf("bootstrap: derive client public key: %w", err)
		}
		logger.Info("bootstrap: generated client key", "path", keyPath)
	default:
		return fmt.Errorf("bootstrap: stat client key %s: %w", keyPath, err)
	}

	if _, err := os.Stat(authorizedPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bootstrap: stat authorized keys %s: %w", authorizedPath, err)
	}
	line := ssh.MarshalAuthorizedKey(signer.PublicKey())
	entry := strings.TrimSpace(string(line)) + " " + bootstrapClientName + "\n"
	if err := writeBootstrapFile(authorizedPath, []byte(entry)); err != nil {
		return fmt.Errorf("bootstrap: write authorized keys: %w", err)
	}
	logger.Info("bootstrap: generated authorized_keys", "path", authorizedPath)
	return nil
}

func ensureBootstrapConfig(path, hostKeyPath, authorizedPath string, logger pslog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bootstrap: stat config %s: %w", path, err)
	}
	data, err := defaultConfigYAML(func(cfg *configDefaults) {
		cfg.Store = bootstrapStoreDefault
		cfg.HostKey = hostKeyPath
		cfg.AuthorizedKeys = authorizedPath
	})
	if err != nil {
		return fmt.Errorf("bootstrap: render default config: %w", err)
	}
	if err := writeBootstrapFile(path, data); err != nil {
		return fmt.Errorf("bootstrap: write config: %w", err)
	}
	logger.Info("bootstrap: generated config", "path", path)
	return nil
}

func writeBootstrapFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
