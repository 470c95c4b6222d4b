package netconfd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/datastore/disk"
	"pkt.systems/netconfd/internal/datastore/memory"
)

// openStore resolves the store DSN into a datastore connection.
func openStore(cfg Config) (datastore.Conn, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/netconfd)")
	}
	watch := cfg.DiskWatch
	if v := u.Query().Get("watch"); v != "" {
		watch = v == "true" || v == "1"
	}
	return disk.Config{
		Root:  filepath.Clean(pathPart),
		Watch: watch,
	}, nil
}
