// Package memory implements the datastore engine contract in process
// memory; intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/uuidv7"
)

// Config configures the in-memory engine.
type Config struct {
	// Datastores overrides the served datastore set. Empty means
	// running/startup/candidate.
	Datastores []datastore.Name
	// Seed pre-populates datastore documents.
	Seed map[datastore.Name]datastore.Document
}

// Conn implements datastore.Conn backed by per-datastore documents.
type Conn struct {
	mu     sync.RWMutex
	docs   map[datastore.Name]*docEntry
	names  []datastore.Name
	closed bool
}

type docEntry struct {
	mu       sync.RWMutex
	doc      datastore.Document
	revision int64
}

// New returns a ready to use in-memory connection serving the default
// datastores.
func New() *Conn {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory connection wired according to cfg.
func NewWithConfig(cfg Config) *Conn {
	names := cfg.Datastores
	if len(names) == 0 {
		names = []datastore.Name{datastore.Running, datastore.Startup, datastore.Candidate}
	}
	docs := make(map[datastore.Name]*docEntry, len(names))
	for _, name := range names {
		entry := &docEntry{doc: datastore.Document{}}
		if seed, ok := cfg.Seed[name]; ok {
			entry.doc = seed.Clone()
			entry.revision = 1
		}
		docs[name] = entry
	}
	return &Conn{docs: docs, names: append([]datastore.Name(nil), names...)}
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
		token:    uuidv7.NewString(),
		identity: identity,
		ds:       ds,
	}, nil
}

// Datastores lists the served datastores.
func (c *Conn) Datastores() []datastore.Name {
	return append([]datastore.Name(nil), c.names...)
}

// Close marks the connection closed. Open sessions become unusable.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type session struct {
	conn     *Conn
	entry    *docEntry
	token    string
	identity string
	ds       datastore.Name

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
	s.entry.doc = doc.Clone()
	s.entry.revision++
	return nil
}

// Close is idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
