// Package disk implements the datastore engine contract on a local
// directory: one YAML document per datastore, atomically replaced via
// rename, with an fsnotify watcher picking up out-of-band edits. The
// directory is flock'd so two servers cannot share it.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/netconfd/internal/uuidv7"
	"pkt.systems/pslog"
)

const lockFileName = ".netconfd.lock"

// Config configures the disk engine.
type Config struct {
	// Root is the directory holding <datastore>.yaml documents.
	Root string
	// Datastores overrides the served set; empty means the default three.
	Datastores []datastore.Name
	// Watch enables fsnotify reload of externally edited documents.
	Watch  bool
	Logger pslog.Logger
}

// Conn implements datastore.Conn over Root.
type Conn struct {
	root   string
	logger pslog.Logger
	names  []datastore.Name

	lockFile *os.File
	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup

	mu     sync.RWMutex
	docs   map[datastore.Name]*docEntry
	closed bool
}

type docEntry struct {
	mu       sync.RWMutex
	doc      datastore.Document
	revision int64
	// selfEvents counts watcher events expected from our own writes so the
	// watch loop does not re-load (and re-bump) documents we just persisted.
	selfEvents int
}

// New opens (creating if needed) the datastore directory, takes the
// exclusive directory lock and loads every served document.
func New(cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk store: empty root path")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	names := cfg.Datastores
	if len(names) == 0 {
		names = []datastore.Name{datastore.Running, datastore.Startup, datastore.Candidate}
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("disk store: create root: %w", err)
	}
	lockFile, err := os.OpenFile(filepath.Join(cfg.Root, lockFileName), os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("disk store: open lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("disk store: %s already in use by another server", cfg.Root)
		}
		return nil, fmt.Errorf("disk store: lock root: %w", err)
	}
	conn := &Conn{
		root:     cfg.Root,
		logger:   svcfields.WithSubsystem(logger, "store.disk"),
		names:    append([]datastore.Name(nil), names...),
		lockFile: lockFile,
		docs:     make(map[datastore.Name]*docEntry, len(names)),
	}
	for _, name := range names {
		entry := &docEntry{}
		if err := conn.loadDocument(name, entry); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn.docs[name] = entry
	}
	if cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("disk store: start watcher: %w", err)
		}
		if err := watcher.Add(cfg.Root); err != nil {
			_ = watcher.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("disk store: watch root: %w", err)
		}
		conn.watcher = watcher
		conn.watchWG.Add(1)
		go conn.watchLoop()
	}
	return conn, nil
}

func (c *Conn) documentPath(ds datastore.Name) string {
	return filepath.Join(c.root, string(ds)+".yaml")
}

func (c *Conn) loadDocument(ds datastore.Name, entry *docEntry) error {
	data, err := os.ReadFile(c.documentPath(ds))
	if err != nil {
		if os.IsNotExist(err) {
			entry.mu.Lock()
			entry.doc = datastore.Document{}
			entry.mu.Unlock()
			return nil
		}
		return fmt.Errorf("disk store: read %s: %w", ds, err)
	}
	var doc datastore.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("disk store: parse %s: %w", ds, err)
	}
	if doc == nil {
		doc = datastore.Document{}
	}
	entry.mu.Lock()
	entry.doc = doc
	entry.revision++
	entry.mu.Unlock()
	return nil
}

// watchLoop folds external edits back into the cached documents so sessions
// observe out-of-band changes without a restart.
func (c *Conn) watchLoop() {
	defer c.watchWG.Done()
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name := datastore.Name(strings.TrimSuffix(filepath.Base(ev.Name), ".yaml"))
			c.mu.RLock()
			entry := c.docs[name]
			c.mu.RUnlock()
			if entry == nil {
				continue
			}
			entry.mu.Lock()
			if entry.selfEvents > 0 {
				entry.selfEvents--
				entry.mu.Unlock()
				continue
			}
			entry.mu.Unlock()
			if err := c.loadDocument(name, entry); err != nil {
				c.logger.Warn("external edit reload failed", "datastore", name, "error", err)
				continue
			}
			c.logger.Debug("reloaded externally edited datastore", "datastore", name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watcher error", "error", err)
		}
	}
}

// OpenSession starts a store session for identity against ds.
func (c *Conn) OpenSession(ctx context.Context, identity string, ds datastore.Name) (datastore.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	closed := c.closed
	entry := c.docs[ds]
	c.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: connection closed", datastore.ErrUnavailable)
	}
	if identity == "" {
		return nil, fmt.Errorf("%w: empty client identity", datastore.ErrUnavailable)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: unknown datastore %q", datastore.ErrUnavailable, ds)
	}
	return &session{
		conn:     c,
		entry:    entry,
		ds:       ds,
		token:    uuidv7.NewString(),
		identity: identity,
	}, nil
}

// Datastores lists the served datastores.
func (c *Conn) Datastores() []datastore.Name {
	return append([]datastore.Name(nil), c.names...)
}

// Close stops the watcher and releases the directory lock.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watchWG.Wait()
	}
	if c.lockFile != nil {
		_ = unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN)
		_ = c.lockFile.Close()
	}
	return nil
}

type session struct {
	conn     *Conn
	entry    *docEntry
	ds       datastore.Name
	token    string
	identity string

	mu     sync.Mutex
	closed bool
}

func (s *session) Token() string             { return s.token }
func (s *session) Identity() string          { return s.identity }
func (s *session) Datastore() datastore.Name { return s.ds }

func (s *session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: session closed", datastore.ErrUnavailable)
	}
	s.conn.mu.RLock()
	connClosed := s.conn.closed
	s.conn.mu.RUnlock()
	if connClosed {
		return fmt.Errorf("%w: connection closed", datastore.ErrUnavailable)
	}
	return nil
}

func (s *session) Get(ctx context.Context) (datastore.Document, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if err := s.usable(); err != nil {
		return nil, 0, err
	}
	s.entry.mu.RLock()
	defer s.entry.mu.RUnlock()
	return s.entry.doc.Clone(), s.entry.revision, nil
}

func (s *session) Replace(ctx context.Context, doc datastore.Document, baseRevision int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.usable(); err != nil {
		return err
	}
	s.entry.mu.Lock()
	defer s.entry.mu.Unlock()
	if baseRevision != 0 && baseRevision != s.entry.revision {
		return fmt.Errorf("%w: have %d, replace based on %d", datastore.ErrConflict, s.entry.revision, baseRevision)
	}
	if err := s.conn.writeDocument(s.ds, doc); err != nil {
		return err
	}
	s.entry.doc = doc.Clone()
	s.entry.revision++
	if s.conn.watcher != nil {
		s.entry.selfEvents++
	}
	return nil
}

// Close is idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// writeDocument persists doc atomically: marshal to a temp file in root,
// fsync, rename over the target.
func (c *Conn) writeDocument(ds datastore.Name, doc datastore.Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("disk store: marshal %s: %w", ds, err)
	}
	tmp, err := os.CreateTemp(c.root, "."+string(ds)+".*.tmp")
	if err != nil {
		return fmt.Errorf("disk store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("disk store: write %s: %w", ds, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("disk store: sync %s: %w", ds, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("disk store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, c.documentPath(ds)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("disk store: install %s: %w", ds, err)
	}
	return nil
}
